package collector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"hls-collector/internal/manifest"
)

// fetchInitFragment downloads the fragmented-MP4 initialization segment named
// by the stored #EXT-X-MAP tag and enqueues it ahead of the media fragments.
// The init fragment always carries the discontinuity flag so the demuxer
// reinitializes.
func (s *Session) fetchInitFragment(ctx context.Context, t *TrackState) error {
	mi := manifest.ParseMapAttrs(t.initFragmentInfo)
	if mi.URI == "" {
		return fmt.Errorf("map tag %q has no URI", t.initFragmentInfo)
	}
	initURL, err := manifest.ResolveURL(t.effectiveURL, mi.URI)
	if err != nil {
		return err
	}
	byteRange, err := mapByteRange(mi.ByteRange)
	if err != nil {
		return err
	}

	body, _, status, err := s.getter.GetFile(ctx, initURL, byteRange)
	if err != nil {
		return fmt.Errorf("init fragment %s (HTTP %d): %w", initURL, status, err)
	}
	t.log.Info("init fragment fetched", "url", initURL, "bytes", len(body))
	s.harvestFragment(t, mi.URI, body)
	return t.ring.enqueue(ctx, &CachedFragment{
		Fragment:      body,
		Position:      t.playTarget - t.playTargetOffset,
		Discontinuity: true,
		InitFragment:  true,
	})
}

// mapByteRange converts a BYTERANGE attribute ("len@off") to the HTTP range
// form "off-(off+len-1)". An empty attribute means the whole resource.
func mapByteRange(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	at := strings.IndexByte(v, '@')
	if at < 0 {
		return "", fmt.Errorf("map byterange %q missing offset", v)
	}
	length, err := strconv.ParseInt(v[:at], 10, 64)
	if err != nil {
		return "", fmt.Errorf("map byterange %q: %w", v, err)
	}
	offset, err := strconv.ParseInt(v[at+1:], 10, 64)
	if err != nil {
		return "", fmt.Errorf("map byterange %q: %w", v, err)
	}
	return fmt.Sprintf("%d-%d", offset, offset+length-1), nil
}
