package origin

import (
	"context"
	"log/slog"
	"time"
)

// Feeder periodically registers fresh segments on a set of tracks, turning a
// Store into a live channel. Each tick produces one segment per track with a
// fixed duration, so the served playlists advance the way a real encoder
// output would.
type Feeder struct {
	store    *Store
	log      *slog.Logger
	tracks   []TrackID
	duration float64

	nextSequence int64
}

// NewFeeder returns a Feeder producing segments of duration seconds on every
// track in tracks.
func NewFeeder(store *Store, log *slog.Logger, tracks []TrackID, duration float64) *Feeder {
	return &Feeder{
		store:    store,
		log:      log,
		tracks:   tracks,
		duration: duration,
	}
}

// Prime registers count initial segments on every track so the first playlist
// request already sees a playable window.
func (f *Feeder) Prime(count int) {
	for i := 0; i < count; i++ {
		f.tick()
	}
}

// Run registers one segment per track every interval until ctx is cancelled
// or the channel is ended.
func (f *Feeder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !f.tick() {
				return
			}
		}
	}
}

func (f *Feeder) tick() bool {
	seq := f.nextSequence
	f.nextSequence++
	pdt := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	for _, trackID := range f.tracks {
		err := f.store.RegisterSegment(trackID, Segment{
			Sequence:        seq,
			Duration:        f.duration,
			ProgramDateTime: pdt,
		})
		if err != nil {
			f.log.Info("feeder stopping", slog.String("track", string(trackID)))
			return false
		}
	}
	f.log.Debug("segments fed", slog.Int64("sequence", seq))
	return true
}
