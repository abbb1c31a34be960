package origin

import (
	"strings"
	"testing"
)

func TestBuildMediaPlaylist_basic(t *testing.T) {
	segs := []Segment{
		{Sequence: 10, Duration: 5.5},
		{Sequence: 11, Duration: 6.0},
	}
	got := BuildMediaPlaylist(segs, false)

	for _, want := range []string{
		"#EXTM3U\n",
		"#EXT-X-VERSION:3\n",
		"#EXT-X-TARGETDURATION:6\n",
		"#EXT-X-MEDIA-SEQUENCE:10\n",
		"#EXTINF:5.5,\nsegments/10.ts\n",
		"#EXTINF:6.0,\nsegments/11.ts\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("playlist missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "#EXT-X-ENDLIST") {
		t.Error("live playlist must not carry ENDLIST")
	}
}

func TestBuildMediaPlaylist_ended(t *testing.T) {
	got := BuildMediaPlaylist([]Segment{{Sequence: 0, Duration: 4.0}}, true)
	if !strings.HasSuffix(got, "#EXT-X-ENDLIST\n") {
		t.Errorf("ended playlist should finish with ENDLIST:\n%s", got)
	}
}

func TestBuildMediaPlaylist_empty(t *testing.T) {
	got := BuildMediaPlaylist(nil, false)
	for _, want := range []string{"#EXTM3U", "#EXT-X-TARGETDURATION:1", "#EXT-X-MEDIA-SEQUENCE:0"} {
		if !strings.Contains(got, want) {
			t.Errorf("empty playlist missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "#EXTINF") {
		t.Error("empty playlist must not carry fragments")
	}
}

func TestBuildMediaPlaylist_extra_header_lines(t *testing.T) {
	keyTag := `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`
	got := BuildMediaPlaylist([]Segment{{Sequence: 0, Duration: 4.0}}, false, keyTag)
	keyAt := strings.Index(got, keyTag)
	infAt := strings.Index(got, "#EXTINF")
	if keyAt < 0 {
		t.Fatalf("playlist missing key tag:\n%s", got)
	}
	if keyAt > infAt {
		t.Error("header line must precede the first fragment")
	}
}

func TestBuildMediaPlaylist_discontinuity_and_pdt(t *testing.T) {
	segs := []Segment{
		{Sequence: 0, Duration: 4.0, ProgramDateTime: "2024-03-01T10:00:00.000Z"},
		{Sequence: 1, Duration: 4.0, Discontinuity: true},
	}
	got := BuildMediaPlaylist(segs, false)
	if !strings.Contains(got, "#EXT-X-PROGRAM-DATE-TIME:2024-03-01T10:00:00.000Z\n#EXTINF:4.0,\nsegments/0.ts") {
		t.Errorf("PDT line placement:\n%s", got)
	}
	if !strings.Contains(got, "#EXT-X-DISCONTINUITY\n#EXTINF:4.0,\nsegments/1.ts") {
		t.Errorf("discontinuity placement:\n%s", got)
	}
}

func TestBuildMasterPlaylist(t *testing.T) {
	variants := []Variant{
		{Path: "video/playlist.m3u8", Bandwidth: 2_000_000, Resolution: "1280x720", Codecs: "avc1.64001f,mp4a.40.2", AudioGroup: "aud"},
		{Path: "low/playlist.m3u8", Bandwidth: 500_000},
	}
	renditions := []Rendition{
		{Type: "AUDIO", GroupID: "aud", Name: "English", Language: "en", Default: true, Path: "audio/playlist.m3u8"},
	}
	got := BuildMasterPlaylist(variants, renditions)

	for _, want := range []string{
		"#EXT-X-INDEPENDENT-SEGMENTS\n",
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/playlist.m3u8"`,
		`#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2",AUDIO="aud"` + "\nvideo/playlist.m3u8",
		"#EXT-X-STREAM-INF:BANDWIDTH=500000\nlow/playlist.m3u8",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("master missing %q:\n%s", want, got)
		}
	}
}

func TestTargetDurationFromSegments(t *testing.T) {
	segs := []Segment{{Duration: 5.1}, {Duration: 4.0}}
	if got := targetDurationFromSegments(segs); got != 6 {
		t.Errorf("target duration %d want 6 (ceiling of 5.1)", got)
	}
	if got := targetDurationFromSegments([]Segment{{Duration: 0}}); got != 1 {
		t.Errorf("zero duration floor: %d want 1", got)
	}
}
