package origin

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestFeeder_prime_fills_all_tracks(t *testing.T) {
	store := NewStore(0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFeeder(store, log, []TrackID{"video", "audio"}, 4.0)

	f.Prime(3)
	for _, trackID := range []TrackID{"video", "audio"} {
		segs, _, ok := store.Snapshot(trackID)
		if !ok {
			t.Fatalf("%s: track missing", trackID)
		}
		if len(segs) != 3 {
			t.Fatalf("%s: %d segments, want 3", trackID, len(segs))
		}
		for i, seg := range segs {
			if seg.Sequence != int64(i) {
				t.Errorf("%s segment %d has sequence %d", trackID, i, seg.Sequence)
			}
			if seg.Duration != 4.0 {
				t.Errorf("%s segment %d duration %v", trackID, i, seg.Duration)
			}
			if seg.ProgramDateTime == "" {
				t.Errorf("%s segment %d missing program date time", trackID, i)
			}
		}
	}
}

func TestFeeder_run_stops_when_channel_ends(t *testing.T) {
	store := NewStore(0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFeeder(store, log, []TrackID{"video"}, 2.0)
	f.Prime(1)
	store.End()

	done := make(chan struct{})
	go func() {
		f.Run(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feeder did not stop after channel end")
	}
}

func TestFeeder_run_stops_on_cancel(t *testing.T) {
	store := NewStore(0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFeeder(store, log, []TrackID{"video"}, 2.0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feeder did not stop on cancellation")
	}
}
