package manifest

import (
	"strconv"
	"strings"
)

// ParseAttrList walks an attribute list of the form KEY=VALUE[,KEY=VALUE]*.
// Commas inside double-quoted values are treated as literal characters.
// cb receives each attribute in document order; the value keeps any
// surrounding quotes, use AttributeValue to strip them.
func ParseAttrList(s string, cb func(name, value string)) {
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return
		}
		name := s[:eq]
		rest := s[eq+1:]

		inQuote := false
		fin := len(rest)
		for i := 0; i < len(rest); i++ {
			c := rest[i]
			if c == '"' {
				if inQuote {
					fin = i + 1
					break
				}
				inQuote = true
			} else if c == ',' && !inQuote {
				fin = i
				break
			}
		}
		cb(name, rest[:fin])

		s = rest[fin:]
		if strings.HasPrefix(s, ",") {
			s = s[1:]
		}
	}
}

// AttributeValue strips surrounding double quotes from an attribute value.
// Unquoted enumerated values (e.g. NONE, YES) pass through unchanged.
func AttributeValue(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// ParseKeyAttrs extracts the raw attributes of a #EXT-X-KEY tag body.
func ParseKeyAttrs(attrs string) KeyAttrs {
	var k KeyAttrs
	ParseAttrList(attrs, func(name, value string) {
		switch name {
		case "METHOD":
			k.Method = AttributeValue(value)
		case "URI":
			k.URI = AttributeValue(value)
		case "IV":
			k.IV = AttributeValue(value)
		case "CMSha1Hash":
			k.CMSha1Hash = AttributeValue(value)
		}
	})
	return k
}

// ParseMapAttrs extracts URI and BYTERANGE from a #EXT-X-MAP tag body.
func ParseMapAttrs(attrs string) MapInfo {
	var m MapInfo
	ParseAttrList(attrs, func(name, value string) {
		switch name {
		case "URI":
			m.URI = AttributeValue(value)
		case "BYTERANGE":
			m.ByteRange = AttributeValue(value)
		}
	})
	return m
}

func parseStreamInfAttrs(attrs string, iframe bool) StreamInfo {
	si := StreamInfo{IsIframeTrack: iframe}
	ParseAttrList(attrs, func(name, value string) {
		switch name {
		case "URI":
			si.URI = AttributeValue(value)
		case "BANDWIDTH":
			si.BandwidthBitsPerSecond, _ = strconv.ParseInt(value, 10, 64)
		case "AVERAGE-BANDWIDTH":
			si.AverageBandwidth, _ = strconv.ParseInt(value, 10, 64)
		case "PROGRAM-ID":
			si.ProgramID, _ = strconv.ParseInt(value, 10, 64)
		case "AUDIO":
			si.AudioGroup = AttributeValue(value)
		case "CODECS":
			si.Codecs = AttributeValue(value)
		case "RESOLUTION":
			if x := strings.IndexByte(value, 'x'); x > 0 {
				si.ResolutionWidth, _ = strconv.Atoi(value[:x])
				si.ResolutionHeight, _ = strconv.Atoi(value[x+1:])
			}
		case "FRAME-RATE":
			si.FrameRate, _ = strconv.ParseFloat(value, 64)
		case "CLOSED-CAPTIONS":
			si.ClosedCaptions = AttributeValue(value)
		case "SUBTITLES":
			si.Subtitles = AttributeValue(value)
		}
	})
	return si
}

func parseMediaAttrs(attrs string) MediaInfo {
	var mi MediaInfo
	ParseAttrList(attrs, func(name, value string) {
		switch name {
		case "TYPE":
			switch value {
			case "AUDIO":
				mi.Type = MediaTypeAudio
			case "VIDEO":
				mi.Type = MediaTypeVideo
			}
		case "GROUP-ID":
			mi.GroupID = AttributeValue(value)
		case "NAME":
			mi.Name = AttributeValue(value)
		case "LANGUAGE":
			mi.Language = AttributeValue(value)
		case "AUTOSELECT":
			mi.Autoselect = value == "YES"
		case "DEFAULT":
			mi.Default = value == "YES"
		case "FORCED":
			mi.Forced = value == "YES"
		case "CHANNELS":
			mi.Channels, _ = strconv.Atoi(AttributeValue(value))
		case "INSTREAM-ID":
			mi.InstreamID = AttributeValue(value)
		case "URI":
			mi.URI = AttributeValue(value)
		}
	})
	return mi
}
