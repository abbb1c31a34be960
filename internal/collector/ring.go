package collector

import (
	"context"
	"errors"
)

var errRingClosed = errors.New("fragment ring closed")

// fragmentRing is the bounded buffer between a track's collector and its
// injector. A buffered channel gives the SPSC blocking semantics directly;
// shutdown is the session context plus an explicit close from the producer.
type fragmentRing struct {
	ch chan *CachedFragment
}

func newFragmentRing(capacity int) *fragmentRing {
	return &fragmentRing{ch: make(chan *CachedFragment, capacity)}
}

// enqueue blocks while the ring is full.
func (r *fragmentRing) enqueue(ctx context.Context, f *CachedFragment) error {
	select {
	case r.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dequeue blocks while the ring is empty. A nil fragment with errRingClosed
// means the producer finished.
func (r *fragmentRing) dequeue(ctx context.Context) (*CachedFragment, error) {
	select {
	case f, ok := <-r.ch:
		if !ok {
			return nil, errRingClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close signals end of stream to the consumer. Only the producer calls it.
func (r *fragmentRing) close() {
	close(r.ch)
}

// occupancy is the number of buffered fragments, for metrics.
func (r *fragmentRing) occupancy() int {
	return len(r.ch)
}
