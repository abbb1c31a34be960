// Package origin implements a small simulated HLS origin: a sliding-window
// segment store per track, master and media playlist rendering, and a chi
// handler serving them. It backs the player binary's demo mode and the
// collector's end-to-end tests.
package origin

import "time"

// TrackID identifies a media track of the channel (e.g. "video", "audio").
type TrackID string

// Segment represents a single HLS media segment held by the origin.
// This also matches the input JSON payload for registering segments.
type Segment struct {
	Sequence        int64   `json:"sequence"`
	Duration        float64 `json:"duration"`
	Discontinuity   bool    `json:"discontinuity,omitempty"`
	ProgramDateTime string  `json:"program_date_time,omitempty"`

	// Payload is the segment body served to the player. Not part of the
	// registration API; generated when absent.
	Payload []byte `json:"-"`

	ReceivedAt time.Time `json:"-"`
}

// TrackState holds all in-memory state for one track of the channel.
type TrackState struct {
	ID       TrackID
	Segments map[int64]Segment
	Ended    bool
}

// Variant describes one entry of the rendered master playlist.
type Variant struct {
	Path       string
	Bandwidth  int64
	Resolution string
	Codecs     string
	AudioGroup string
}

// Rendition describes one #EXT-X-MEDIA entry of the rendered master playlist.
type Rendition struct {
	Type     string
	GroupID  string
	Name     string
	Language string
	Default  bool
	Path     string
}
