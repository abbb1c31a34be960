package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"
)

func TestGetFile_plain_download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Errorf("unexpected Range header %q", r.Header.Get("Range"))
		}
		if r.Header.Get("Accept") != "*/*" {
			t.Errorf("Accept header %q", r.Header.Get("Accept"))
		}
		w.Write([]byte("segment bytes"))
	}))
	defer srv.Close()

	c := NewClient()
	body, effective, status, err := c.GetFile(context.Background(), srv.URL+"/seg0.ts", "")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if string(body) != "segment bytes" {
		t.Errorf("body %q", body)
	}
	if status != http.StatusOK {
		t.Errorf("status %d", status)
	}
	if effective != srv.URL+"/seg0.ts" {
		t.Errorf("effective url %q", effective)
	}
}

func TestGetFile_sends_byte_range(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=100-199" {
			t.Errorf("Range header %q want bytes=100-199", got)
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("partial"))
	}))
	defer srv.Close()

	c := NewClient()
	body, _, status, err := c.GetFile(context.Background(), srv.URL, "100-199")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if status != http.StatusPartialContent {
		t.Errorf("status %d want 206", status)
	}
	if string(body) != "partial" {
		t.Errorf("body %q", body)
	}
}

func TestGetFile_reports_effective_url_after_redirect(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/cdn/master.m3u8", http.StatusFound)
	})
	mux.HandleFunc("/cdn/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n"))
	})

	c := NewClient()
	_, effective, _, err := c.GetFile(context.Background(), srv.URL+"/master.m3u8", "")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if effective != srv.URL+"/cdn/master.m3u8" {
		t.Errorf("effective url %q", effective)
	}
}

func TestGetFile_non_success_status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient()
	body, _, status, err := c.GetFile(context.Background(), srv.URL, "")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if status != http.StatusNotFound {
		t.Errorf("status %d want 404", status)
	}
	if body != nil {
		t.Errorf("body should be nil, got %q", body)
	}
}

func TestGetFile_user_agent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "hls-collector/1.0" {
			t.Errorf("user agent %q", got)
		}
	}))
	defer srv.Close()

	c := NewClient(WithUserAgent("hls-collector/1.0"))
	if _, _, _, err := c.GetFile(context.Background(), srv.URL, ""); err != nil {
		t.Fatalf("GetFile: %v", err)
	}
}

func TestGetFile_respects_context_cancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	c := NewClient()
	if _, _, _, err := c.GetFile(ctx, srv.URL, ""); err == nil {
		t.Fatal("expected error for cancelled request")
	}
}

func TestGetFile_timeout_is_transient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(50 * time.Millisecond))
	_, _, _, err := c.GetFile(context.Background(), srv.URL, "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Errorf("timeout should classify as transient: %v", err)
	}
}

func TestIsTransient_classification(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error is not transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline exceeded is transient")
	}
	if !IsTransient(syscall.ECONNREFUSED) {
		t.Error("connection refused is transient")
	}
	if IsTransient(errors.New("HTTP 500 fetching x")) {
		t.Error("plain server error is not transient")
	}
}
