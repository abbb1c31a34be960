package collector

import (
	"context"
	"fmt"
	"math"
	"time"

	"hls-collector/internal/manifest"
)

// synchronizeTracks aligns the audio and video play targets after initial
// indexing. Three regimes, tried in order: discontinuity-period alignment for
// VOD content with discontinuities, media-sequence-number alignment, and
// program-date-time alignment. Returns ErrTracksSync when no regime applies.
func (s *Session) synchronizeTracks(ctx context.Context) error {
	video := s.track(TrackVideo)
	audio := s.track(TrackAudio)
	if video == nil || audio == nil || !video.enabled || !audio.enabled {
		return nil
	}

	// One parse pass per track: queues the first selection for the fetch
	// loop and captures startTimeForPlaylistSync from the first PDT.
	for _, t := range []*TrackState{video, audio} {
		if t.queuedSelection != nil {
			continue
		}
		sel, ok, err := t.getNextFragmentURI(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s playlist has no fragment at play target", ErrTracksSync, t.name)
		}
		t.queuedSelection = sel
	}

	videoSeq := video.nextMediaSequenceNumber - 1
	audioSeq := audio.nextMediaSequenceNumber - 1
	startTimeAvailable := !video.startTimeForPlaylistSync.IsZero() && !audio.startTimeForPlaylistSync.IsZero()

	if video.playlistType == manifest.PlaylistTypeVOD &&
		len(video.discontinuityIndex) > 0 && len(audio.discontinuityIndex) > 0 {
		return s.syncForDiscontinuity(video, audio)
	}

	diff := videoSeq - audioSeq
	useSeqSync := !s.cfg.UseProgramDateTime || !startTimeAvailable
	if useSeqSync && absInt64(diff) > maxSeqNumberDiffForSeqNumBasedSync && startTimeAvailable {
		// A large sequence gap is more reliably bridged by wall clock.
		useSeqSync = false
	}

	if useSeqSync {
		if absInt64(diff) > maxSeqNumberLagCount {
			return fmt.Errorf("%w: sequence number lag %d exceeds limit", ErrTracksSync, diff)
		}
		return s.syncBySequenceNumber(ctx, video, audio, diff)
	}
	if startTimeAvailable {
		return s.syncByStartTime(video, audio)
	}
	return fmt.Errorf("%w: no sequence, wall-clock, or discontinuity alignment available", ErrTracksSync)
}

// syncBySequenceNumber advances the lagging track one fragment at a time
// until the media sequence numbers meet. Each advance re-runs the playlist
// walk so discontinuity boundaries are crossed correctly.
func (s *Session) syncBySequenceNumber(ctx context.Context, video, audio *TrackState, diff int64) error {
	lagging := audio
	steps := diff
	if diff < 0 {
		lagging = video
		steps = -diff
	}
	for i := int64(0); i < steps; i++ {
		sel := lagging.queuedSelection
		lagging.queuedSelection = nil
		if sel != nil {
			lagging.playTarget = sel.position + sel.duration
		}
		next, ok, err := lagging.getNextFragmentURI(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s ran out of fragments while catching up", ErrTracksSync, lagging.name)
		}
		lagging.queuedSelection = next
	}
	if steps > 0 {
		lagging.log.Info("tracks synchronized by sequence number", "advanced", steps)
	}
	return nil
}

// syncByStartTime shifts the lagging track's play target by the difference
// of the first program-date-time stamps. Shifts smaller than half a fragment
// or beyond the track's duration are ignored.
func (s *Session) syncByStartTime(video, audio *TrackState) error {
	diff := video.startTimeForPlaylistSync.Sub(audio.startTimeForPlaylistSync).Seconds()
	lagging := audio
	shift := diff
	if diff < 0 {
		lagging = video
		shift = -diff
	}
	if shift < lagging.fragmentDurationSeconds/2 {
		return nil
	}
	if lagging.playTarget+shift > lagging.duration {
		lagging.log.Warn("start-time sync shift exceeds track duration, skipping",
			"shift", shift, "duration", lagging.duration)
		return nil
	}
	lagging.queuedSelection = nil
	lagging.resetScanCursor()
	lagging.nextMediaSequenceNumber = lagging.indexFirstMediaSequenceNumber
	lagging.playTarget += shift
	// Fold the shift into the sync start time so a rerun is a no-op.
	lagging.startTimeForPlaylistSync = lagging.startTimeForPlaylistSync.Add(
		time.Duration(shift * float64(time.Second)))
	lagging.log.Info("tracks synchronized by program date time",
		"shift", shift, "play_target", lagging.playTarget)
	return nil
}

// syncForDiscontinuity aligns the audio play target inside the discontinuity
// period the video play target sits in. Both tracks must expose the same
// number of periods.
func (s *Session) syncForDiscontinuity(video, audio *TrackState) error {
	if len(video.discontinuityIndex) != len(audio.discontinuityIndex) {
		return fmt.Errorf("%w: discontinuity period count mismatch video=%d audio=%d",
			ErrTracksSync, len(video.discontinuityIndex), len(audio.discontinuityIndex))
	}
	periodIdx := 0
	for i, node := range video.discontinuityIndex {
		if node.Position <= video.playTarget {
			periodIdx = i + 1
		}
	}
	videoPeriodStart := periodStart(video, periodIdx)
	audioPeriodStart := periodStart(audio, periodIdx)
	offsetFromPeriod := video.playTarget - videoPeriodStart
	if offsetFromPeriod < 0 {
		offsetFromPeriod = 0
	}
	target := audioPeriodStart + offsetFromPeriod
	if math.Abs(target-audio.playTarget) < eps {
		return nil
	}
	audio.queuedSelection = nil
	audio.resetScanCursor()
	audio.nextMediaSequenceNumber = audio.indexFirstMediaSequenceNumber
	audio.playTarget = target
	audio.log.Info("tracks synchronized by discontinuity period",
		"period", periodIdx, "play_target", target)
	return nil
}

// periodStart is the cumulative position where discontinuity period idx
// begins; period 0 starts at the head of the playlist.
func periodStart(t *TrackState, idx int) float64 {
	if idx <= 0 || len(t.discontinuityIndex) == 0 {
		return 0
	}
	if idx > len(t.discontinuityIndex) {
		idx = len(t.discontinuityIndex)
	}
	return t.discontinuityIndex[idx-1].Position
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
