package origin

import (
	"fmt"
	"math"
	"strings"
)

// BuildMediaPlaylist converts a slice of segments (ordered by sequence
// ascending) into a valid HLS media playlist string. If ended is true,
// #EXT-X-ENDLIST is appended. extraHeader lines (e.g. #EXT-X-KEY or
// #EXT-X-FAXS-CM tags) are emitted after the standard header. An empty
// segments slice produces a minimal valid playlist with media sequence 0.
func BuildMediaPlaylist(segments []Segment, ended bool, extraHeader ...string) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	targetDuration := targetDurationFromSegments(segments)
	mediaSequence := segments[0].Sequence

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence))
	for _, line := range extraHeader {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, seg := range segments {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if seg.ProgramDateTime != "" {
			b.WriteString("#EXT-X-PROGRAM-DATE-TIME:")
			b.WriteString(seg.ProgramDateTime)
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.1f,\n", seg.Duration))
		b.WriteString(segmentPath(seg.Sequence))
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// BuildMasterPlaylist renders a master playlist listing the given variants
// and alternate renditions.
func BuildMasterPlaylist(variants []Variant, renditions []Rendition) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	for _, r := range renditions {
		def := "NO"
		if r.Default {
			def = "YES"
		}
		b.WriteString(fmt.Sprintf(
			"#EXT-X-MEDIA:TYPE=%s,GROUP-ID=%q,NAME=%q,LANGUAGE=%q,DEFAULT=%s,AUTOSELECT=YES,URI=%q\n",
			r.Type, r.GroupID, r.Name, r.Language, def, r.Path))
	}
	for _, v := range variants {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth))
		if v.Resolution != "" {
			b.WriteString(",RESOLUTION=" + v.Resolution)
		}
		if v.Codecs != "" {
			b.WriteString(fmt.Sprintf(",CODECS=%q", v.Codecs))
		}
		if v.AudioGroup != "" {
			b.WriteString(fmt.Sprintf(",AUDIO=%q", v.AudioGroup))
		}
		b.WriteString("\n")
		b.WriteString(v.Path)
		b.WriteString("\n")
	}
	return b.String()
}

// segmentPath is the relative URI a segment is served under.
func segmentPath(sequence int64) string {
	return fmt.Sprintf("segments/%d.ts", sequence)
}

// targetDurationFromSegments returns the HLS #EXT-X-TARGETDURATION value:
// the ceiling of the maximum segment duration in seconds (integer).
func targetDurationFromSegments(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
