package collector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"hls-collector/internal/fetch"
)

// computeRefreshDelay returns the time to wait before the next playlist
// refresh of a live track. bufferAvailable and targetDuration are seconds;
// timeSinceLastRefresh is subtracted before the clamp floor applies.
func computeRefreshDelay(bufferAvailable, targetDuration float64, timeSinceLastRefresh time.Duration) time.Duration {
	var delay time.Duration
	maxDelaySeconds := maxDelayBetweenPlaylistUpdates.Seconds()
	switch {
	case bufferAvailable > 2*targetDuration && targetDuration > 0:
		delay = time.Duration(1.5 * targetDuration * float64(time.Second))
	case bufferAvailable > targetDuration && targetDuration > 0:
		delay = time.Duration(0.5 * targetDuration * float64(time.Second))
	case bufferAvailable > 2*maxDelaySeconds:
		delay = maxDelayBetweenPlaylistUpdates
	case bufferAvailable > 0:
		delay = time.Duration(bufferAvailable / 3 * float64(time.Second))
	default:
		delay = minDelayBetweenPlaylistUpdates
	}
	delay -= timeSinceLastRefresh
	if delay > maxDelayBetweenPlaylistUpdates {
		delay = maxDelayBetweenPlaylistUpdates
	}
	if delay < minDelayBetweenPlaylistUpdates {
		delay = minDelayBetweenPlaylistUpdates
	}
	return delay
}

// fetchPlaylist downloads the track's media playlist, retrying on 404 with a
// short interruptible sleep between attempts.
func (s *Session) fetchPlaylist(ctx context.Context, t *TrackState) ([]byte, string, error) {
	var lastStatus int
	var lastErr error
	for attempt := 0; attempt < maxManifestDownloadRetry; attempt++ {
		body, effectiveURL, status, err := s.getter.GetFile(ctx, t.playlistURL, "")
		if err == nil {
			s.harvestManifest(t, body)
			return body, effectiveURL, nil
		}
		lastStatus, lastErr = status, err
		if status != http.StatusNotFound {
			break
		}
		t.log.Warn("playlist download 404, retrying",
			"url", t.playlistURL, "attempt", attempt+1)
		if !sleepCtx(ctx, manifestRetrySleep) {
			return nil, "", ctx.Err()
		}
	}
	if fetch.IsTransient(lastErr) {
		return nil, "", fmt.Errorf("%w: %v", ErrTransientNetwork, lastErr)
	}
	s.host.SendDownloadErrorEvent(ErrManifestDownload, lastStatus)
	return nil, "", fmt.Errorf("%w: %v", ErrManifestDownload, lastErr)
}

// refreshPlaylist replaces the track's playlist text, rebuilds the index, and
// accounts for culled duration at the live-window head. A transient network
// failure keeps the previous playlist; the next cycle retries.
func (s *Session) refreshPlaylist(ctx context.Context, t *TrackState) error {
	s.registry.BeginRefresh()
	body, effectiveURL, err := s.fetchPlaylist(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.log.Warn("playlist refresh failed, keeping previous playlist", "error", err)
		t.lastPlaylistDownloadTime = s.now()
		return err
	}

	prevIndex := append([]IndexNode(nil), t.index...)
	prevFirstSeq := t.indexFirstMediaSequenceNumber
	prevPlaylist := t.playlist

	t.playlist = body
	t.effectiveURL = effectiveURL
	if err := t.indexPlaylist(ctx); err != nil {
		t.log.Warn("refreshed playlist failed to index, restoring previous", "error", err)
		t.playlist = prevPlaylist
		if ierr := t.indexPlaylist(ctx); ierr != nil {
			return ierr
		}
		return err
	}
	s.registry.EndRefresh()
	if s.met != nil {
		s.met.IncPlaylistRefreshes(t.name)
	}

	culled := culledDuration(prevIndex, prevFirstSeq, t.indexFirstMediaSequenceNumber)
	if culled > 0 {
		t.culledSeconds += culled
		t.playTarget -= culled
		if t.playTarget < 0 {
			t.playTarget = 0
		}
		t.log.Info("live window culled", "culled", culled, "total", t.culledSeconds)
		s.host.UpdateCullingState(t.culledSeconds)
		if s.met != nil {
			s.met.AddCulledSeconds(t.name, culled)
		}
	}

	t.resetScanCursor()
	t.nextMediaSequenceNumber = t.indexFirstMediaSequenceNumber
	t.lastPlaylistDownloadTime = s.now()
	return nil
}

// culledDuration is the playlist duration removed from the head between two
// index cycles, derived from the media-sequence advance of the first entry.
// An unchanged playlist culls nothing.
func culledDuration(prevIndex []IndexNode, prevFirstSeq, newFirstSeq int64) float64 {
	removed := newFirstSeq - prevFirstSeq
	if removed <= 0 || len(prevIndex) == 0 {
		return 0
	}
	if removed > int64(len(prevIndex)) {
		removed = int64(len(prevIndex))
	}
	return prevIndex[removed-1].CompletionTimeSecondsFromStart
}

// waitForPlaylistRefresh sleeps the scheduler-computed delay and then runs
// one refresh. Used when the fetch loop reaches the live edge.
func (s *Session) waitForPlaylistRefresh(ctx context.Context, t *TrackState) error {
	bufferAvailable := t.duration - t.playTarget
	delay := computeRefreshDelay(bufferAvailable, t.targetDurationSeconds, s.now().Sub(t.lastPlaylistDownloadTime))
	t.refreshInterval = delay
	if s.met != nil {
		s.met.SetRefreshDelayMs(t.name, float64(delay.Milliseconds()))
	}
	t.log.Debug("waiting for playlist refresh",
		"delay_ms", delay.Milliseconds(), "buffer_s", bufferAvailable)
	if !sleepCtx(ctx, delay) {
		return ctx.Err()
	}
	return s.refreshPlaylist(ctx, t)
}

// sleepCtx sleeps for d, returning false when ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
