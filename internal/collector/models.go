// Package collector implements the HLS fragment-collection core: playlist
// indexing, per-track fetch pipelines, cross-track synchronization, live
// refresh scheduling, and the session lifecycle that ties them together.
package collector

import (
	"context"
	"time"
)

const (
	// eps absorbs floating-point drift when comparing cumulative playlist
	// positions against the play target.
	eps = 0.1

	maxManifestDownloadRetry = 3

	minDelayBetweenPlaylistUpdates = 500 * time.Millisecond
	maxDelayBetweenPlaylistUpdates = 6000 * time.Millisecond

	maxSeqNumberLagCount               = 50
	maxSeqNumberDiffForSeqNumBasedSync = 2

	// discontinuityDiscardToleranceSeconds is the window probed on the other
	// track when deciding whether a discontinuity marker is genuine.
	discontinuityDiscardToleranceSeconds = 30.0

	maxSegDownloadFailCount   = 10
	maxSegDrmDecryptFailCount = 10

	defaultTrickPlayFPS             = 8
	defaultMaxCachedFragments       = 3
	defaultLiveOffsetSeconds        = 15.0
	manifestRetrySleep              = 500 * time.Millisecond
	maxRefreshWaitsForDiscontinuity = 3
)

// TrackType identifies a media track.
type TrackType int

const (
	TrackVideo TrackType = iota
	TrackAudio
)

// trackCount is the number of pipeline slots per session.
const trackCount = 2

func (t TrackType) String() string {
	if t == TrackAudio {
		return "audio"
	}
	return "video"
}

// Other returns the opposite track, used for cross-track probes.
func (t TrackType) Other() TrackType {
	if t == TrackAudio {
		return TrackVideo
	}
	return TrackAudio
}

// StreamOutputFormat is the elementary stream container of a track.
type StreamOutputFormat int

const (
	FormatUnknown StreamOutputFormat = iota
	FormatMpegTS
	FormatISOBMFF
	FormatAACES
)

func (f StreamOutputFormat) String() string {
	switch f {
	case FormatMpegTS:
		return "mpegts"
	case FormatISOBMFF:
		return "isobmff"
	case FormatAACES:
		return "aac-es"
	}
	return "unknown"
}

// TuneType distinguishes a fresh tune from seeks and retunes.
type TuneType int

const (
	TuneTypeNew TuneType = iota
	TuneTypeSeek
	TuneTypeRetune
)

// IndexNode references one fragment inside the playlist text. Offset is the
// byte offset of the fragment's #EXTINF line, so the node stays valid across
// scans without borrowing from the buffer.
type IndexNode struct {
	Offset                         int
	CompletionTimeSecondsFromStart float64
	DrmMetadataIdx                 int
}

// DiscontinuityIndexNode records one #EXT-X-DISCONTINUITY boundary.
type DiscontinuityIndexNode struct {
	FragmentIdx     int
	Position        float64
	ProgramDateTime string
}

// CachedFragment is one downloaded (and possibly decrypted) media fragment
// flowing from a collector to its injector.
type CachedFragment struct {
	Fragment      []byte
	Position      float64
	Duration      float64
	Discontinuity bool
	InitFragment  bool
}

// Host receives player-level notifications from the collection core. All
// methods must be safe for concurrent use.
type Host interface {
	UpdateDuration(seconds float64)
	UpdateCullingState(culledSeconds float64)
	SendDownloadErrorEvent(kind error, httpCode int)
	SendErrorEvent(kind error, message string, fatal bool)
	SendMediaMetadataEvent(durationMs int64, languages []string, bitrates []int64, hasDrm, hasIframe bool)
	NotifyFirstFragmentDecrypted()
	NotifyOnEnteringLive()
	UpdateAudioLanguageSelection(lang string)
	ReportTimedMetadata(timeMs int64, tagLine string)
}

// NopHost discards every notification. Embed it to implement a partial Host.
type NopHost struct{}

func (NopHost) UpdateDuration(float64)                                    {}
func (NopHost) UpdateCullingState(float64)                                {}
func (NopHost) SendDownloadErrorEvent(error, int)                         {}
func (NopHost) SendErrorEvent(error, string, bool)                        {}
func (NopHost) SendMediaMetadataEvent(int64, []string, []int64, bool, bool) {}
func (NopHost) NotifyFirstFragmentDecrypted()                             {}
func (NopHost) NotifyOnEnteringLive()                                     {}
func (NopHost) UpdateAudioLanguageSelection(string)                       {}
func (NopHost) ReportTimedMetadata(int64, string)                         {}

// FragmentSink consumes fragments in playlist order, one call per fragment.
type FragmentSink interface {
	Deliver(ctx context.Context, track TrackType, fragment *CachedFragment) error
}

// ABRPolicy proposes profile switches. Rampdown is consulted after a video
// fragment download failure.
type ABRPolicy interface {
	Rampdown(currentProfile int) (lower int, ok bool)
}

// nopABR never ramps down.
type nopABR struct{}

func (nopABR) Rampdown(int) (int, bool) { return 0, false }

// Config carries the tunables of a collection session.
type Config struct {
	LiveOffsetSeconds      float64
	PlayTargetOffset       float64
	MaxCachedFragments     int
	TrickPlayFPS           int
	UseProgramDateTime     bool
	ParallelPlaylistFetch  bool
	SubscribedTags         []string
	UserAgent              string
	PreferredAudioLanguage string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxCachedFragments <= 0 {
		out.MaxCachedFragments = defaultMaxCachedFragments
	}
	if out.TrickPlayFPS <= 0 {
		out.TrickPlayFPS = defaultTrickPlayFPS
	}
	if out.LiveOffsetSeconds <= 0 {
		out.LiveOffsetSeconds = defaultLiveOffsetSeconds
	}
	return out
}
