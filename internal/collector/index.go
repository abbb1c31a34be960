package collector

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"hls-collector/internal/drm"
	"hls-collector/internal/manifest"
)

// indexPlaylist rebuilds the track's fragment index, discontinuity index, and
// DRM metadata vector in one pass over the playlist text. The playlist mutex
// is held for the whole rebuild so a cross-track probe never observes a
// partial index; waiters are woken on exit regardless of outcome.
func (t *TrackState) indexPlaylist(ctx context.Context) error {
	t.playlistMu.Lock()
	t.indexingInProgress = true
	defer func() {
		t.indexingInProgress = false
		t.playlistIndexed.Broadcast()
		t.playlistMu.Unlock()
	}()

	refreshingWithDrm := t.firstIndexDone && t.cmSha1Hash != ""
	if refreshingWithDrm {
		t.session.registry.MarkBeforeIndex(t.name)
	}

	t.index = t.index[:0]
	t.discontinuityIndex = t.discontinuityIndex[:0]
	t.drmMetadata = t.drmMetadata[:0]
	t.hasEndListTag = false
	t.deferDrmTagPresent = false
	t.indexFirstMediaSequenceNumber = 0

	var (
		totalDuration        float64
		fragmentDuration     float64
		pendingDiscontinuity bool
		pendingPDT           string
		sawExtinf            bool
		firstLine            = true
	)

	sc := manifest.NewLineScanner(t.playlist)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, offset, ok := sc.Next()
		if !ok {
			break
		}
		if firstLine {
			firstLine = false
			if !strings.HasPrefix(line, manifest.TagM3U) {
				return fmt.Errorf("%w: missing %s header", ErrInvalidManifest, manifest.TagM3U)
			}
		}
		switch {
		case strings.HasPrefix(line, manifest.TagExtInf):
			if pendingDiscontinuity {
				if totalDuration > 0 {
					t.discontinuityIndex = append(t.discontinuityIndex, DiscontinuityIndexNode{
						FragmentIdx:     len(t.index),
						Position:        totalDuration,
						ProgramDateTime: pendingPDT,
					})
				} else {
					t.log.Debug("discarding discontinuity marker at playlist head")
				}
				pendingDiscontinuity = false
			}
			fragmentDuration = manifest.ParseExtinf(line[len(manifest.TagExtInf):])
			totalDuration += fragmentDuration
			drmIdx := -1
			if t.fragmentEncrypted {
				drmIdx = t.drmMetaDataIndexPosition
			}
			t.index = append(t.index, IndexNode{
				Offset:                         offset,
				CompletionTimeSecondsFromStart: totalDuration,
				DrmMetadataIdx:                 drmIdx,
			})
			sawExtinf = true
			pendingPDT = ""
		case strings.HasPrefix(line, manifest.TagTargetDuration):
			if v, err := strconv.ParseFloat(line[len(manifest.TagTargetDuration):], 64); err == nil {
				t.targetDurationSeconds = v
			}
		case strings.HasPrefix(line, manifest.TagMediaSequence):
			if v, err := strconv.ParseInt(line[len(manifest.TagMediaSequence):], 10, 64); err == nil {
				t.indexFirstMediaSequenceNumber = v
			}
		case strings.HasPrefix(line, manifest.TagPlaylistType):
			pt, err := manifest.ParsePlaylistType(line[len(manifest.TagPlaylistType):])
			if err != nil {
				return err
			}
			t.playlistType = pt
		case strings.HasPrefix(line, manifest.TagKey):
			if err := t.applyKeyTag(line[len(manifest.TagKey):]); err != nil {
				return err
			}
		case strings.HasPrefix(line, manifest.TagFaxsCM):
			meta, err := base64.StdEncoding.DecodeString(line[len(manifest.TagFaxsCM):])
			if err != nil {
				t.log.Warn("undecodable DRM metadata entry", "error", err)
				break
			}
			node := drm.MetadataNode{Metadata: meta, Sha1Hash: drm.Sha1Hex(meta)}
			t.drmMetadata = append(t.drmMetadata, node)
			if refreshingWithDrm && t.session.registry.Known(node.Sha1Hash) {
				t.session.registry.SetMetadata(ctx, node, t.name)
			}
		case strings.HasPrefix(line, manifest.TagXcalLinearCK):
			if v, err := strconv.Atoi(line[len(manifest.TagXcalLinearCK):]); err == nil {
				t.deferDrmTagSeconds = v
				t.deferDrmTagPresent = true
			}
		case strings.HasPrefix(line, manifest.TagProgramDateTime):
			pendingPDT = line[len(manifest.TagProgramDateTime):]
			if t.firstProgramDateTime == "" {
				t.firstProgramDateTime = pendingPDT
			}
		case line == manifest.TagDiscontinuity:
			pendingDiscontinuity = true
		case line == manifest.TagEndList:
			t.hasEndListTag = true
		case strings.HasPrefix(line, manifest.TagMap):
			t.initFragmentInfo = line[len(manifest.TagMap):]
		case strings.HasPrefix(line, "#EXT"):
			if t.reportSubscribedTag(line, totalDuration) {
				break
			}
			t.logUnknownTagOnce(line)
		}
	}

	if !sawExtinf {
		return fmt.Errorf("%w: %s", ErrManifestContent, t.playlistURL)
	}
	t.duration = totalDuration
	t.nextMediaSequenceNumber = t.indexFirstMediaSequenceNumber

	if refreshingWithDrm {
		t.session.registry.FlushAfterIndex(t.name)
	}
	if t.deferDrmTagPresent && t.session.isLive() && len(t.drmMetadata) > 1 && !t.session.trickplayMode() {
		t.session.registry.SetDeferred(t.drmMetadata, t.deferDrmTagSeconds, t.session.now())
	}

	t.firstIndexDone = true
	if t.typ == TrackVideo {
		t.session.host.UpdateDuration(totalDuration)
	}
	return nil
}

// reportSubscribedTag forwards a custom tag to the host as timed metadata
// when its prefix was subscribed. Returns true when the line matched.
func (t *TrackState) reportSubscribedTag(line string, totalDuration float64) bool {
	for _, prefix := range t.session.cfg.SubscribedTags {
		if strings.HasPrefix(line, prefix) {
			t.session.host.ReportTimedMetadata(int64(totalDuration*1000), line)
			return true
		}
	}
	return false
}

// logUnknownTagOnce records an unrecognized #EXT- line the first time its tag
// name appears. Unknown tags never fail the parse.
func (t *TrackState) logUnknownTagOnce(line string) {
	name := line
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	if t.unknownTagsSeen == nil {
		t.unknownTagsSeen = make(map[string]bool)
	}
	if !t.unknownTagsSeen[name] {
		t.unknownTagsSeen[name] = true
		t.log.Debug("ignoring unrecognized playlist tag", "tag", name)
	}
}

// completionTimeForMediaSequence returns the cumulative completion time of
// the fragment carrying the given media sequence number, or false when the
// sequence number is outside the index.
func (t *TrackState) completionTimeForMediaSequence(seq int64) (float64, bool) {
	k := seq - t.indexFirstMediaSequenceNumber
	if k < 0 || k >= int64(len(t.index)) {
		return 0, false
	}
	return t.index[k].CompletionTimeSecondsFromStart, true
}
