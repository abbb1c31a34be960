// Package manifest implements a line-oriented HLS manifest scanner with an
// attribute-list sub-parser, tolerant of vendor extension tags.
package manifest

// MediaType identifies the content type of an alternate rendition.
type MediaType int

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeAudio
	MediaTypeVideo
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	}
	return "unknown"
}

// PlaylistType is the value of #EXT-X-PLAYLIST-TYPE.
type PlaylistType int

const (
	PlaylistTypeUndefined PlaylistType = iota
	PlaylistTypeEvent
	PlaylistTypeVOD
)

func (t PlaylistType) String() string {
	switch t {
	case PlaylistTypeEvent:
		return "EVENT"
	case PlaylistTypeVOD:
		return "VOD"
	}
	return "UNDEFINED"
}

// StreamInfo describes one variant stream from #EXT-X-STREAM-INF or
// #EXT-X-I-FRAME-STREAM-INF.
type StreamInfo struct {
	URI                    string
	BandwidthBitsPerSecond int64
	AverageBandwidth       int64
	ProgramID              int64
	ResolutionWidth        int
	ResolutionHeight       int
	FrameRate              float64
	Codecs                 string
	AudioGroup             string
	ClosedCaptions         string
	Subtitles              string
	IsIframeTrack          bool
}

// MediaInfo describes one alternate rendition from #EXT-X-MEDIA.
type MediaInfo struct {
	Type       MediaType
	GroupID    string
	Name       string
	Language   string
	Autoselect bool
	Default    bool
	Forced     bool
	Channels   int
	InstreamID string
	URI        string
}

// Master is the parsed form of a master manifest.
type Master struct {
	Streams             []StreamInfo
	Media               []MediaInfo
	Version             int
	IndependentSegments bool
	HasDrmMetadata      bool
}

// KeyAttrs carries the raw attributes of one #EXT-X-KEY tag. Semantics
// (method transitions, IV decode, hash selection) are applied by the caller.
type KeyAttrs struct {
	Method     string
	URI        string
	IV         string
	CMSha1Hash string
}

// ByteRange is a parsed #EXT-X-BYTERANGE value: <length>[@<offset>].
// When HasOffset is false the range continues from the previous window.
type ByteRange struct {
	Length    int64
	Offset    int64
	HasOffset bool
}

// MapInfo is a parsed #EXT-X-MAP tag for fragmented-MP4 init segments.
type MapInfo struct {
	URI       string
	ByteRange string
}
