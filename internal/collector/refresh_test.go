package collector

import (
	"context"
	"testing"
	"time"
)

func TestComputeRefreshDelay(t *testing.T) {
	cases := []struct {
		name            string
		bufferAvailable float64
		targetDuration  float64
		elapsed         time.Duration
		want            time.Duration
	}{
		{"ample buffer clamps to ceiling", 12, 4, 0, 6000 * time.Millisecond},
		{"moderate buffer half target", 6, 4, 0, 2000 * time.Millisecond},
		{"no target duration large buffer", 15, 0, 0, 6000 * time.Millisecond},
		{"thin buffer thirds", 3, 4, 0, 1000 * time.Millisecond},
		{"empty buffer floor", 0, 4, 0, 500 * time.Millisecond},
		{"elapsed time subtracted", 6, 4, 1500 * time.Millisecond, 500 * time.Millisecond},
		{"elapsed beyond delay clamps to floor", 6, 4, 5 * time.Second, 500 * time.Millisecond},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := computeRefreshDelay(c.bufferAvailable, c.targetDuration, c.elapsed)
			if got != c.want {
				t.Errorf("computeRefreshDelay(%v, %v, %v) = %v want %v",
					c.bufferAvailable, c.targetDuration, c.elapsed, got, c.want)
			}
		})
	}
}

func TestCulledDuration(t *testing.T) {
	prev := []IndexNode{
		{CompletionTimeSecondsFromStart: 4},
		{CompletionTimeSecondsFromStart: 8},
		{CompletionTimeSecondsFromStart: 12},
	}
	if got := culledDuration(prev, 100, 102); got != 8.0 {
		t.Errorf("two fragments culled: %v want 8", got)
	}
	if got := culledDuration(prev, 100, 100); got != 0 {
		t.Errorf("unchanged playlist: %v want 0", got)
	}
	if got := culledDuration(prev, 100, 99); got != 0 {
		t.Errorf("sequence regression: %v want 0", got)
	}
	if got := culledDuration(prev, 100, 110); got != 12.0 {
		t.Errorf("entire window replaced: %v want 12", got)
	}
	if got := culledDuration(nil, 100, 102); got != 0 {
		t.Errorf("empty previous index: %v want 0", got)
	}
}

func TestRefreshPlaylist_accounts_culling(t *testing.T) {
	getter := newFakeGetter()
	host := &captureHost{}
	s := newTestSession(Config{}, getter, host)
	if err := installPlaylist(s, TrackVideo, playlistFixture(100, 3, 4.0, false, nil)); err != nil {
		t.Fatalf("install: %v", err)
	}
	tr := s.track(TrackVideo)
	tr.playTarget = 10.0

	getter.set(tr.playlistURL, []byte(playlistFixture(102, 3, 4.0, false, nil)))
	if err := s.refreshPlaylist(context.Background(), tr); err != nil {
		t.Fatalf("refreshPlaylist: %v", err)
	}
	if tr.culledSeconds != 8.0 {
		t.Errorf("culled seconds %v want 8", tr.culledSeconds)
	}
	if tr.playTarget != 2.0 {
		t.Errorf("play target %v want 2", tr.playTarget)
	}
	if host.culledSeconds != 8.0 {
		t.Errorf("host culled %v want 8", host.culledSeconds)
	}
	if tr.indexFirstMediaSequenceNumber != 102 {
		t.Errorf("first sequence %d want 102", tr.indexFirstMediaSequenceNumber)
	}
}

func TestRefreshPlaylist_unchanged_culls_nothing(t *testing.T) {
	getter := newFakeGetter()
	s := newTestSession(Config{}, getter, &captureHost{})
	body := playlistFixture(50, 4, 2.0, false, nil)
	if err := installPlaylist(s, TrackVideo, body); err != nil {
		t.Fatalf("install: %v", err)
	}
	tr := s.track(TrackVideo)
	tr.playTarget = 4.0

	getter.set(tr.playlistURL, []byte(body))
	if err := s.refreshPlaylist(context.Background(), tr); err != nil {
		t.Fatalf("refreshPlaylist: %v", err)
	}
	if tr.culledSeconds != 0 || tr.playTarget != 4.0 {
		t.Errorf("culled=%v playTarget=%v", tr.culledSeconds, tr.playTarget)
	}
}

func TestRefreshPlaylist_play_target_clamped_at_zero(t *testing.T) {
	getter := newFakeGetter()
	s := newTestSession(Config{}, getter, &captureHost{})
	if err := installPlaylist(s, TrackVideo, playlistFixture(0, 3, 4.0, false, nil)); err != nil {
		t.Fatalf("install: %v", err)
	}
	tr := s.track(TrackVideo)
	tr.playTarget = 1.0

	getter.set(tr.playlistURL, []byte(playlistFixture(2, 3, 4.0, false, nil)))
	if err := s.refreshPlaylist(context.Background(), tr); err != nil {
		t.Fatalf("refreshPlaylist: %v", err)
	}
	if tr.playTarget != 0 {
		t.Errorf("play target %v want 0", tr.playTarget)
	}
}

func TestRefreshPlaylist_keeps_previous_on_failure(t *testing.T) {
	getter := newFakeGetter()
	s := newTestSession(Config{}, getter, &captureHost{})
	if err := installPlaylist(s, TrackVideo, playlistFixture(10, 3, 4.0, false, nil)); err != nil {
		t.Fatalf("install: %v", err)
	}
	tr := s.track(TrackVideo)

	// A refreshed body that fails structural validation restores the old index.
	getter.set(tr.playlistURL, []byte("#EXTM3U\n#EXT-X-TARGETDURATION:4\n"))
	if err := s.refreshPlaylist(context.Background(), tr); err == nil {
		t.Fatal("expected error for fragmentless refresh")
	}
	if len(tr.index) != 3 || tr.indexFirstMediaSequenceNumber != 10 {
		t.Errorf("previous index should be restored: %d nodes, first seq %d",
			len(tr.index), tr.indexFirstMediaSequenceNumber)
	}
}
