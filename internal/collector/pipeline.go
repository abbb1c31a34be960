package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hls-collector/internal/drm"
	"hls-collector/internal/manifest"
)

// runCollector is the per-track fetch loop: select the next fragment, fetch,
// decrypt, enqueue, and refresh the playlist when the scheduler says so. It
// owns the track's scan cursor; nobody else touches it while the loop runs.
func (s *Session) runCollector(ctx context.Context, t *TrackState) {
	defer t.ring.close()
	t.log.Info("fragment collector starting", "url", t.playlistURL)

	for ctx.Err() == nil && !t.eosReached {
		s.registry.PollDeferred(ctx, t.name, s.now())

		if t.injectInitFragment && t.initFragmentInfo != "" {
			if err := s.fetchInitFragment(ctx, t); err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Warn("init fragment fetch failed", "error", err)
			}
			t.injectInitFragment = false
		}

		sel, ok, err := s.selectNextFragment(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.escalate(err)
			return
		}
		if !ok {
			if t.hasEndListTag || t.playlistType == manifest.PlaylistTypeVOD {
				t.log.Info("end of stream reached")
				t.eosReached = true
				break
			}
			if err := s.waitForPlaylistRefresh(ctx, t); err != nil && ctx.Err() != nil {
				return
			}
			continue
		}

		if err := s.fetchAndEnqueue(ctx, t, sel); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.escalate(err)
			return
		}

		if t.playlistType != manifest.PlaylistTypeVOD && !t.hasEndListTag &&
			s.now().Sub(t.lastPlaylistDownloadTime) >= t.maxIntervalBetweenPlaylistUpdates() {
			if err := s.refreshPlaylist(ctx, t); err != nil && !errors.Is(err, ErrTransientNetwork) && ctx.Err() != nil {
				return
			}
		}
	}
	t.log.Info("fragment collector finished", "eos", t.eosReached)
}

// maxIntervalBetweenPlaylistUpdates is the refresh gate checked after each
// fetch; the scheduler's last computed delay, defaulting to the clamp
// ceiling.
func (t *TrackState) maxIntervalBetweenPlaylistUpdates() time.Duration {
	if t.refreshInterval > 0 {
		return t.refreshInterval
	}
	return maxDelayBetweenPlaylistUpdates
}

// selectNextFragment picks the next fragment via the playlist walk at normal
// rate or the I-frame index in trick play, consuming any selection queued by
// the synchronizer first.
func (s *Session) selectNextFragment(ctx context.Context, t *TrackState) (*fragmentSelection, bool, error) {
	if t.queuedSelection != nil {
		sel := t.queuedSelection
		t.queuedSelection = nil
		return sel, true, nil
	}
	if s.trickplayMode() {
		sel, ok := t.getFragmentURIFromIndex()
		return sel, ok, nil
	}
	return t.getNextFragmentURI(ctx)
}

// fetchAndEnqueue downloads one selected fragment, decrypts it when the track
// is encrypted, and pushes it into the bounded ring.
func (s *Session) fetchAndEnqueue(ctx context.Context, t *TrackState, sel *fragmentSelection) error {
	fragURL, err := manifest.ResolveURL(t.effectiveURL, sel.uri)
	if err != nil {
		return fmt.Errorf("resolve fragment uri %q: %w", sel.uri, err)
	}

	body, _, status, err := s.getter.GetFile(ctx, fragURL, sel.byteRange)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.segDLFailCount++
		if s.met != nil {
			s.met.IncFragmentDownloadFailures(t.name)
		}
		t.log.Warn("fragment download failed",
			"url", fragURL, "status", status, "fail_count", t.segDLFailCount)
		if t.typ == TrackVideo && s.tryRampdown(ctx, t, sel) {
			return nil
		}
		if t.segDLFailCount >= maxSegDownloadFailCount {
			s.host.SendDownloadErrorEvent(ErrFragmentDownload, status)
			return fmt.Errorf("%w: %d consecutive failures at %s", ErrFragmentDownload, t.segDLFailCount, fragURL)
		}
		// Rewind so the retry fetches the same fragment.
		t.playTarget = sel.position
		if !sleepCtx(ctx, manifestRetrySleep) {
			return ctx.Err()
		}
		t.queuedSelection = sel
		return nil
	}
	t.segDLFailCount = 0
	if s.met != nil {
		s.met.IncFragmentsDownloaded(t.name)
	}
	s.harvestFragment(t, sel.uri, body)

	if t.fragmentEncrypted {
		body, err = s.decryptFragment(ctx, t, sel, body)
		if err != nil {
			return err
		}
		if body == nil {
			// Non-fatal decrypt problem under threshold; skip this fragment.
			s.advancePlayTarget(t, sel)
			return nil
		}
		s.firstDecryptOnce.Do(s.host.NotifyFirstFragmentDecrypted)
	}

	s.advancePlayTarget(t, sel)
	frag := &CachedFragment{
		Fragment:      body,
		Position:      s.fragmentPosition(t, sel),
		Duration:      s.fragmentDuration(sel),
		Discontinuity: sel.discontinuity || s.trickplayMode(),
	}
	if err := t.ring.enqueue(ctx, frag); err != nil {
		return err
	}
	if s.met != nil {
		s.met.SetCachedFragments(t.name, t.ring.occupancy())
	}
	return nil
}

// advancePlayTarget moves the play target past the fragment just fetched.
func (s *Session) advancePlayTarget(t *TrackState, sel *fragmentSelection) {
	if s.trickplayMode() {
		t.playTarget += s.rate() / float64(s.cfg.TrickPlayFPS)
		return
	}
	t.playTarget = sel.position + sel.duration
}

// fragmentPosition is the downstream position of a fetched fragment.
func (s *Session) fragmentPosition(t *TrackState, sel *fragmentSelection) float64 {
	if s.trickplayMode() {
		return t.playTarget - t.playTargetOffset - s.rate()/float64(s.cfg.TrickPlayFPS)
	}
	return t.playTarget - t.playTargetOffset - sel.duration
}

// fragmentDuration is the downstream duration; trick play scales it to the
// injection cadence.
func (s *Session) fragmentDuration(sel *fragmentSelection) float64 {
	if s.trickplayMode() {
		return s.rate() / float64(s.cfg.TrickPlayFPS)
	}
	return sel.duration
}

// decryptFragment decrypts body with the track's current key state. A nil
// result with nil error means the fragment should be skipped (error counted
// but under threshold).
func (s *Session) decryptFragment(ctx context.Context, t *TrackState, sel *fragmentSelection, body []byte) ([]byte, error) {
	iv := t.iv
	if iv == nil {
		iv = drm.SequenceIV(t.nextMediaSequenceNumber - 1)
	}

	var result drm.Result
	var out []byte
	if t.cmSha1Hash != "" {
		start := s.now()
		handle := s.registry.GetByHash(t.cmSha1Hash)
		result, out = handle.Decrypt(ctx, body, iv, drm.LicenseAcquireWaitTime)
		if s.met != nil {
			s.met.ObserveLicenseWait(s.now().Sub(start).Seconds())
		}
	} else {
		key, err := s.fetchKey(ctx, t)
		if err != nil {
			result = drm.Error
		} else if dec, derr := drm.DecryptAES128(body, key, iv); derr != nil {
			result = drm.Error
		} else {
			result, out = drm.Success, dec
		}
	}

	switch result {
	case drm.Success:
		t.segDrmDecryptFailCount = 0
		return out, nil
	case drm.Cancelled:
		return nil, ctx.Err()
	case drm.KeyAcquisitionTimeout:
		s.host.SendErrorEvent(ErrLicenseTimeout, "license acquisition timed out", false)
		t.segDrmDecryptFailCount++
	default:
		if s.met != nil {
			s.met.IncDecryptFailures(t.name)
		}
		t.segDrmDecryptFailCount++
	}
	if t.segDrmDecryptFailCount >= maxSegDrmDecryptFailCount {
		return nil, fmt.Errorf("%w: %d decrypt failures", ErrDecryptFailed, t.segDrmDecryptFailCount)
	}
	t.log.Warn("fragment decrypt failed, skipping fragment",
		"result", result.String(), "fail_count", t.segDrmDecryptFailCount)
	return nil, nil
}

// fetchKey downloads and caches the AES-128 content key for the track's
// current key URI.
func (s *Session) fetchKey(ctx context.Context, t *TrackState) ([]byte, error) {
	if t.keyURI == "" {
		return nil, errors.New("no key URI for encrypted fragment")
	}
	keyURL, err := manifest.ResolveURL(t.effectiveURL, t.keyURI)
	if err != nil {
		return nil, err
	}
	s.keyMu.Lock()
	key, ok := s.keyCache[keyURL]
	s.keyMu.Unlock()
	if ok {
		return key, nil
	}
	body, _, _, err := s.getter.GetFile(ctx, keyURL, "")
	if err != nil {
		return nil, fmt.Errorf("key fetch %s: %w", keyURL, err)
	}
	if len(body) != drm.IVLen {
		return nil, fmt.Errorf("key %s: %d bytes, want %d", keyURL, len(body), drm.IVLen)
	}
	s.keyMu.Lock()
	s.keyCache[keyURL] = body
	s.keyMu.Unlock()
	return body, nil
}

// tryRampdown asks the ABR policy for a lower profile after a video fragment
// download failure. On a switch the play target is rewound so the same
// content is refetched from the lower profile.
func (s *Session) tryRampdown(ctx context.Context, t *TrackState, sel *fragmentSelection) bool {
	lower, ok := s.abr.Rampdown(s.currentProfile())
	if !ok {
		return false
	}
	if err := s.switchProfile(ctx, t, lower); err != nil {
		t.log.Warn("rampdown profile switch failed", "profile", lower, "error", err)
		return false
	}
	t.playTarget = sel.position
	t.segDLFailCount = 0
	t.log.Info("ramped down after fragment failure",
		"profile", lower, "play_target", t.playTarget)
	return true
}

// runInjector drains the track's ring into the downstream sink until the
// collector closes it.
func (s *Session) runInjector(ctx context.Context, t *TrackState) {
	for {
		frag, err := t.ring.dequeue(ctx)
		if err != nil {
			return
		}
		if s.met != nil {
			s.met.SetCachedFragments(t.name, t.ring.occupancy())
		}
		if err := s.sink.Deliver(ctx, t.typ, frag); err != nil {
			if ctx.Err() == nil {
				t.log.Warn("fragment delivery failed", "error", err)
			}
			return
		}
	}
}

// escalate reports a fatal pipeline error to the host once.
func (s *Session) escalate(err error) {
	s.escalateOnce.Do(func() {
		s.log.Error("pipeline error", "error", err)
		s.host.SendErrorEvent(rootKind(err), err.Error(), true)
		s.setErr(err)
	})
}

// rootKind maps a wrapped pipeline error to its sentinel kind for host
// reporting.
func rootKind(err error) error {
	for _, kind := range []error{
		ErrManifestDownload, ErrInvalidManifest, ErrManifestContent,
		ErrUnsupportedCrypto, ErrFragmentDownload, ErrLicenseTimeout,
		ErrDecryptFailed, ErrTracksSync, ErrSeekRange, ErrTransientNetwork,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return err
}
