package origin

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the default number of segments in the sliding window.
const DefaultWindowSize = 6

var (
	// ErrTrackEnded is returned when attempting to register a segment on a
	// track that has already been ended.
	ErrTrackEnded = errors.New("track has ended")
)

// Store is a concurrency-safe in-memory segment store for one channel. A
// window size of 0 disables sliding: every segment stays visible and the
// rendered playlist carries #EXT-X-ENDLIST once the track is ended.
type Store struct {
	mu         sync.RWMutex
	tracks     map[TrackID]*TrackState
	windowSize int
}

// NewStore returns an empty store keeping at most windowSize segments
// visible per track. If windowSize < 0, DefaultWindowSize is used.
func NewStore(windowSize int) *Store {
	if windowSize < 0 {
		windowSize = DefaultWindowSize
	}
	return &Store{
		tracks:     make(map[TrackID]*TrackState),
		windowSize: windowSize,
	}
}

// RegisterSegment records a new segment for the given track, creating the
// track on first use. Duplicate sequence numbers are ignored and do not
// corrupt state. Registering on an ended track returns ErrTrackEnded.
func (s *Store) RegisterSegment(trackID TrackID, seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	track := s.getOrCreateTrackLocked(trackID)
	if track.Ended {
		return ErrTrackEnded
	}
	if _, exists := track.Segments[seg.Sequence]; exists {
		return nil
	}
	seg.ReceivedAt = time.Now().UTC()
	track.Segments[seg.Sequence] = seg
	return nil
}

// Snapshot returns the currently visible segments of a track, sorted by
// sequence, plus the ended flag. ok is false for an unknown track.
func (s *Store) Snapshot(trackID TrackID) (segments []Segment, ended bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	track, exists := s.tracks[trackID]
	if !exists {
		return nil, false, false
	}
	sequences := make([]int64, 0, len(track.Segments))
	for seq := range track.Segments {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	segments = make([]Segment, 0, len(sequences))
	for _, seq := range sequences {
		segments = append(segments, track.Segments[seq])
	}
	if s.windowSize > 0 {
		segments = contiguousVisibleSegments(segments, s.windowSize)
	}
	return segments, track.Ended, true
}

// GetSegment returns one stored segment by sequence number.
func (s *Store) GetSegment(trackID TrackID, sequence int64) (Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	track, exists := s.tracks[trackID]
	if !exists {
		return Segment{}, false
	}
	seg, ok := track.Segments[sequence]
	return seg, ok
}

// End marks every track as ended; new segments will be rejected and rendered
// playlists carry #EXT-X-ENDLIST. Ending twice is a no-op.
func (s *Store) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, track := range s.tracks {
		track.Ended = true
	}
}

// getOrCreateTrackLocked returns an existing track or creates a new one.
// Caller must hold s.mu in write mode.
func (s *Store) getOrCreateTrackLocked(trackID TrackID) *TrackState {
	if track, ok := s.tracks[trackID]; ok {
		return track
	}
	track := &TrackState{
		ID:       trackID,
		Segments: make(map[int64]Segment),
	}
	s.tracks[trackID] = track
	return track
}

// contiguousVisibleSegments implements the "slide then filter" window: keep
// the last windowSize segments, then cut at the first sequence gap so a
// player never sees e.g. 42 followed by 44. segs must be sorted by Sequence
// ascending.
func contiguousVisibleSegments(segs []Segment, windowSize int) []Segment {
	if len(segs) == 0 {
		return nil
	}
	start := 0
	if len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]Segment, 0, len(windowed))
	for i := 0; i < len(windowed); i++ {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}
