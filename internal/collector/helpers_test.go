package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"hls-collector/internal/fetch"
)

// fakeGetter serves canned responses keyed by URL.
type fakeGetter struct {
	mu        sync.Mutex
	responses map[string][]byte
	failures  map[string]error
	requests  []string
}

func newFakeGetter() *fakeGetter {
	return &fakeGetter{
		responses: make(map[string][]byte),
		failures:  make(map[string]error),
	}
}

func (g *fakeGetter) set(url string, body []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses[url] = body
	delete(g.failures, url)
}

func (g *fakeGetter) fail(url string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[url] = err
}

func (g *fakeGetter) GetFile(_ context.Context, url, _ string) ([]byte, string, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, url)
	if err, ok := g.failures[url]; ok {
		return nil, url, 500, err
	}
	body, ok := g.responses[url]
	if !ok {
		return nil, url, 404, fmt.Errorf("not found: %s", url)
	}
	return body, url, 200, nil
}

var _ fetch.Getter = (*fakeGetter)(nil)

// captureHost records the notifications it receives.
type captureHost struct {
	NopHost
	mu             sync.Mutex
	duration       float64
	culledSeconds  float64
	errorKinds     []error
	timedMetadata  []string
	enteredLive    bool
	firstDecrypted bool
	audioLanguage  string
}

func (h *captureHost) UpdateDuration(seconds float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.duration = seconds
}

func (h *captureHost) UpdateCullingState(culled float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.culledSeconds = culled
}

func (h *captureHost) SendErrorEvent(kind error, _ string, _ bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorKinds = append(h.errorKinds, kind)
}

func (h *captureHost) SendDownloadErrorEvent(kind error, _ int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorKinds = append(h.errorKinds, kind)
}

func (h *captureHost) ReportTimedMetadata(_ int64, tagLine string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timedMetadata = append(h.timedMetadata, tagLine)
}

func (h *captureHost) NotifyOnEnteringLive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enteredLive = true
}

func (h *captureHost) NotifyFirstFragmentDecrypted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.firstDecrypted = true
}

func (h *captureHost) UpdateAudioLanguageSelection(lang string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audioLanguage = lang
}

// captureSink collects delivered fragments per track.
type captureSink struct {
	mu        sync.Mutex
	delivered map[TrackType][]*CachedFragment
}

func newCaptureSink() *captureSink {
	return &captureSink{delivered: make(map[TrackType][]*CachedFragment)}
}

func (s *captureSink) Deliver(_ context.Context, track TrackType, frag *CachedFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[track] = append(s.delivered[track], frag)
	return nil
}

func (s *captureSink) fragments(track TrackType) []*CachedFragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*CachedFragment(nil), s.delivered[track]...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession builds a session wired to a fake getter and capture host,
// with both track playlists left for the test to install.
func newTestSession(cfg Config, getter fetch.Getter, host Host) *Session {
	if getter == nil {
		getter = newFakeGetter()
	}
	return NewSession("http://origin.test/master.m3u8", Options{
		Config: cfg,
		Host:   host,
		Sink:   newCaptureSink(),
		Getter: getter,
		Logger: testLogger(),
	})
}

// installPlaylist assigns a playlist body to a track and indexes it.
func installPlaylist(s *Session, typ TrackType, playlist string) error {
	t := s.track(typ)
	t.playlist = []byte(playlist)
	t.playlistURL = "http://origin.test/" + typ.String() + "/playlist.m3u8"
	t.effectiveURL = t.playlistURL
	t.enabled = true
	return t.indexPlaylist(context.Background())
}

// vodPlaylist renders count fragments of the given duration starting at
// firstSeq, with an #EXT-X-ENDLIST trailer.
func vodPlaylist(firstSeq int64, count int, duration float64) string {
	return playlistFixture(firstSeq, count, duration, true, nil)
}

// playlistFixture renders a media playlist. extraLines maps fragment ordinal
// to tag lines emitted immediately before its #EXTINF.
func playlistFixture(firstSeq int64, count int, duration float64, ended bool, extraLines map[int][]string) string {
	s := "#EXTM3U\n#EXT-X-VERSION:3\n"
	s += fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", int(duration))
	s += fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", firstSeq)
	for i := 0; i < count; i++ {
		for _, line := range extraLines[i] {
			s += line + "\n"
		}
		s += fmt.Sprintf("#EXTINF:%.1f,\n", duration)
		s += fmt.Sprintf("seg%d.ts\n", firstSeq+int64(i))
	}
	if ended {
		s += "#EXT-X-ENDLIST\n"
	}
	return s
}
