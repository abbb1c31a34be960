package origin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testHandler(windowSize int) (*Handler, *Store) {
	store := NewStore(windowSize)
	variants := []Variant{{Path: "video/playlist.m3u8", Bandwidth: 2_000_000}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(store, log, variants, nil), store
}

func TestHandler_master_playlist(t *testing.T) {
	h, _ := testHandler(0)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/master.m3u8")
	if err != nil {
		t.Fatalf("GET master: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != playlistContentType {
		t.Errorf("content type %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "video/playlist.m3u8") {
		t.Errorf("master body:\n%s", body)
	}
}

func TestHandler_media_playlist_and_extra_header(t *testing.T) {
	h, store := testHandler(0)
	if err := store.RegisterSegment("video", Segment{Sequence: 0, Duration: 4.0}); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.ExtraHeader["video"] = []string{`#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`}
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/video/playlist.m3u8")
	if err != nil {
		t.Fatalf("GET playlist: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "#EXT-X-KEY:METHOD=AES-128") {
		t.Errorf("playlist missing injected key tag:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/audio/playlist.m3u8")
	if err != nil {
		t.Fatalf("GET unknown playlist: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown track status %d want 404", resp.StatusCode)
	}
}

func TestHandler_segment_body(t *testing.T) {
	h, store := testHandler(0)
	if err := store.RegisterSegment("video", Segment{Sequence: 3, Payload: []byte("real bytes")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.RegisterSegment("video", Segment{Sequence: 4}); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/video/segments/3.ts")
	if err != nil {
		t.Fatalf("GET segment: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "real bytes" {
		t.Errorf("stored payload served verbatim, got %q", body)
	}

	resp, err = http.Get(srv.URL + "/video/segments/4.ts")
	if err != nil {
		t.Fatalf("GET synthetic segment: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(body, SyntheticPayload("video", 4)) {
		t.Error("payloadless segment should serve the synthetic body")
	}

	resp, err = http.Get(srv.URL + "/video/segments/99.ts")
	if err != nil {
		t.Fatalf("GET missing segment: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing segment status %d want 404", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/video/segments/abc.ts")
	if err != nil {
		t.Fatalf("GET malformed sequence: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed sequence status %d want 400", resp.StatusCode)
	}
}

func TestHandler_register_and_end(t *testing.T) {
	h, store := testHandler(0)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/video/segments", "application/json",
		strings.NewReader(`{"sequence": 42, "duration": 6.0}`))
	if err != nil {
		t.Fatalf("POST segment: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d want 201", resp.StatusCode)
	}
	if _, ok := store.GetSegment("video", 42); !ok {
		t.Error("segment should be stored")
	}

	resp, err = http.Post(srv.URL+"/video/segments", "application/json",
		strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("POST malformed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status %d want 400", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/end", "", nil)
	if err != nil {
		t.Fatalf("POST end: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("end status %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/video/segments", "application/json",
		strings.NewReader(`{"sequence": 43, "duration": 6.0}`))
	if err != nil {
		t.Fatalf("POST after end: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("register after end status %d want 409", resp.StatusCode)
	}
}

func TestSyntheticPayload_deterministic_and_distinct(t *testing.T) {
	a := SyntheticPayload("video", 1)
	b := SyntheticPayload("video", 1)
	if !bytes.Equal(a, b) {
		t.Error("payload must be deterministic")
	}
	if bytes.Equal(a, SyntheticPayload("audio", 1)) {
		t.Error("payload must differ across tracks")
	}
	if bytes.Equal(a, SyntheticPayload("video", 2)) {
		t.Error("payload must differ across sequences")
	}
}
