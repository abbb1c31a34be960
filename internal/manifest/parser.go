package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidManifest marks manifests that fail structural validation: a
// missing #EXTM3U header, a master with no variant streams, or an
// unrecognized #EXT-X-PLAYLIST-TYPE value.
var ErrInvalidManifest = errors.New("invalid manifest")

// Recognized tag prefixes. Tag bodies follow the colon.
const (
	TagM3U             = "#EXTM3U"
	TagExtInf          = "#EXTINF:"
	TagStreamInf       = "#EXT-X-STREAM-INF:"
	TagIframeStreamInf = "#EXT-X-I-FRAME-STREAM-INF:"
	TagMedia           = "#EXT-X-MEDIA:"
	TagVersion         = "#EXT-X-VERSION:"
	TagIndependent     = "#EXT-X-INDEPENDENT-SEGMENTS"
	TagByteRange       = "#EXT-X-BYTERANGE:"
	TagTargetDuration  = "#EXT-X-TARGETDURATION:"
	TagMediaSequence   = "#EXT-X-MEDIA-SEQUENCE:"
	TagKey             = "#EXT-X-KEY:"
	TagProgramDateTime = "#EXT-X-PROGRAM-DATE-TIME:"
	TagDiscontinuity   = "#EXT-X-DISCONTINUITY"
	TagEndList         = "#EXT-X-ENDLIST"
	TagPlaylistType    = "#EXT-X-PLAYLIST-TYPE:"
	TagMap             = "#EXT-X-MAP:"
	TagFaxsCM          = "#EXT-X-FAXS-CM:"
	TagXcalLinearCK    = "#EXT-X-X1-LIN-CK:"
)

// LineScanner walks a playlist buffer line by line without copying. Lines
// end at LF; a preceding CR is stripped. The final line is yielded even
// without a trailing LF.
type LineScanner struct {
	buf []byte
	pos int
}

// NewLineScanner returns a scanner over buf. The buffer is never mutated.
func NewLineScanner(buf []byte) *LineScanner {
	return &LineScanner{buf: buf}
}

// Next returns the next line and the byte offset of its first character.
// ok is false once the buffer is exhausted.
func (s *LineScanner) Next() (line string, offset int, ok bool) {
	if s.pos >= len(s.buf) {
		return "", 0, false
	}
	offset = s.pos
	end := bytes.IndexByte(s.buf[s.pos:], '\n')
	if end < 0 {
		line = string(s.buf[s.pos:])
		s.pos = len(s.buf)
	} else {
		line = string(s.buf[s.pos : s.pos+end])
		s.pos += end + 1
	}
	line = strings.TrimSuffix(line, "\r")
	return line, offset, true
}

// Reset rewinds the scanner to the byte offset off.
func (s *LineScanner) Reset(off int) {
	s.pos = off
}

// Pos returns the byte offset the next call to Next will read from.
func (s *LineScanner) Pos() int {
	return s.pos
}

// IsURILine reports whether a playlist line is a fragment or variant URI.
func IsURILine(line string) bool {
	return line != "" && !strings.HasPrefix(line, "#")
}

// ParseMaster parses a master manifest buffer into variant and rendition
// tables. A variant's URI is the first URI line following its
// #EXT-X-STREAM-INF tag; I-frame variants carry the URI as an attribute.
func ParseMaster(buf []byte) (*Master, error) {
	if !bytes.HasPrefix(buf, []byte(TagM3U)) {
		return nil, fmt.Errorf("%w: missing %s header", ErrInvalidManifest, TagM3U)
	}
	m := &Master{}
	var pending *StreamInfo
	sc := NewLineScanner(buf)
	for {
		line, _, ok := sc.Next()
		if !ok {
			break
		}
		switch {
		case IsURILine(line):
			if pending != nil {
				pending.URI = line
				m.Streams = append(m.Streams, *pending)
				pending = nil
			}
		case strings.HasPrefix(line, TagStreamInf):
			si := parseStreamInfAttrs(line[len(TagStreamInf):], false)
			pending = &si
		case strings.HasPrefix(line, TagIframeStreamInf):
			si := parseStreamInfAttrs(line[len(TagIframeStreamInf):], true)
			m.Streams = append(m.Streams, si)
		case strings.HasPrefix(line, TagMedia):
			m.Media = append(m.Media, parseMediaAttrs(line[len(TagMedia):]))
		case strings.HasPrefix(line, TagVersion):
			m.Version, _ = strconv.Atoi(line[len(TagVersion):])
		case line == TagIndependent:
			m.IndependentSegments = true
		case strings.HasPrefix(line, TagFaxsCM):
			m.HasDrmMetadata = true
		}
	}
	if len(m.Streams) == 0 {
		return nil, fmt.Errorf("%w: no variant streams", ErrInvalidManifest)
	}
	return m, nil
}

// ParsePlaylistType maps a #EXT-X-PLAYLIST-TYPE body to its enum value.
// Unknown values are a manifest error.
func ParsePlaylistType(v string) (PlaylistType, error) {
	switch v {
	case "VOD":
		return PlaylistTypeVOD, nil
	case "EVENT":
		return PlaylistTypeEvent, nil
	}
	return PlaylistTypeUndefined, fmt.Errorf("%w: unknown playlist type %q", ErrInvalidManifest, v)
}

// ParseExtinf returns the fragment duration from a #EXTINF tag body
// ("<duration>[,<title>]").
func ParseExtinf(body string) float64 {
	if i := strings.IndexByte(body, ','); i >= 0 {
		body = body[:i]
	}
	d, _ := strconv.ParseFloat(strings.TrimSpace(body), 64)
	return d
}

// ParseByteRange parses "<length>[@<offset>]".
func ParseByteRange(v string) (ByteRange, error) {
	var br ByteRange
	var err error
	if at := strings.IndexByte(v, '@'); at >= 0 {
		br.Offset, err = strconv.ParseInt(v[at+1:], 10, 64)
		if err != nil {
			return br, fmt.Errorf("byterange offset %q: %w", v, err)
		}
		br.HasOffset = true
		v = v[:at]
	}
	br.Length, err = strconv.ParseInt(v, 10, 64)
	if err != nil {
		return br, fmt.Errorf("byterange length %q: %w", v, err)
	}
	return br, nil
}

// ParseProgramDateTime parses an ISO-8601 #EXT-X-PROGRAM-DATE-TIME value.
// The timezone designator is discarded; only differences between values from
// the same origin are meaningful.
func ParseProgramDateTime(v string) (time.Time, error) {
	if len(v) < 19 {
		return time.Time{}, fmt.Errorf("program-date-time %q too short", v)
	}
	t, err := time.Parse("2006-01-02T15:04:05", v[:19])
	if err != nil {
		return time.Time{}, fmt.Errorf("program-date-time %q: %w", v, err)
	}
	rest := v[19:]
	if strings.HasPrefix(rest, ".") {
		i := 1
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if frac, err := strconv.ParseFloat(rest[:i], 64); err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return t, nil
}

// ResolveURL resolves a possibly relative URI against a base URL.
func ResolveURL(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference URL: %w", err)
	}
	return base.ResolveReference(rel).String(), nil
}
