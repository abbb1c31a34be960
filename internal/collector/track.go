package collector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"hls-collector/internal/drm"
	"hls-collector/internal/manifest"
)

type drmMethod int

const (
	drmMethodNone drmMethod = iota
	drmMethodAES128
)

// fragmentSelection is the result of one pass over the playlist text: the
// next fragment URI plus the tag state accumulated since the previous URI.
type fragmentSelection struct {
	uri             string
	duration        float64
	position        float64
	discontinuity   bool
	byteRange       string
	programDateTime string
	initFragment    string
}

// TrackState drives fragment collection for one media track. A single
// collector goroutine owns the scan cursor and playlist buffer; the playlist
// mutex serializes index rebuilds against cross-track discontinuity probes.
type TrackState struct {
	typ     TrackType
	name    string
	log     *slog.Logger
	session *Session

	playlistMu      sync.Mutex
	playlistIndexed *sync.Cond

	playlist     []byte
	playlistURL  string
	effectiveURL string

	index                         []IndexNode
	discontinuityIndex            []DiscontinuityIndexNode
	drmMetadata                   []drm.MetadataNode
	indexFirstMediaSequenceNumber int64
	firstProgramDateTime          string

	playlistType          manifest.PlaylistType
	targetDurationSeconds float64
	duration              float64
	culledSeconds         float64

	lastMatchedDiscontPosition float64

	// scan cursor state, owned by the collector goroutine
	scanOffset              int
	playlistPosition        float64
	playTarget              float64
	playTargetOffset        float64
	fragmentDurationSeconds float64
	nextMediaSequenceNumber int64
	byteRangeLength         int64
	byteRangeOffset         int64
	pendingDiscontinuity    bool
	pendingProgramDateTime  string
	pendingByteRange        string

	method                   drmMethod
	fragmentEncrypted        bool
	keyURI                   string
	iv                       []byte
	cmSha1Hash               string
	drmMetaDataIndexPosition int
	drmKeyTagCount           int

	firstIndexDone     bool
	indexingInProgress bool
	deferDrmTagSeconds int
	deferDrmTagPresent bool
	unknownTagsSeen    map[string]bool

	// queuedSelection holds a fragment selected ahead of the fetch loop,
	// e.g. by the synchronizer's initial parse pass.
	queuedSelection *fragmentSelection
	refreshInterval time.Duration

	injectInitFragment bool
	initFragmentInfo   string
	streamFormat       StreamOutputFormat
	hasEndListTag      bool
	eosReached         bool

	segDLFailCount         int
	segDrmDecryptFailCount int

	lastPlaylistDownloadTime time.Time
	startTimeForPlaylistSync time.Time

	enabled             bool
	currentProfileIndex int
	trickPlayIdx        int

	ring *fragmentRing
}

func newTrackState(typ TrackType, s *Session) *TrackState {
	t := &TrackState{
		typ:                        typ,
		name:                       typ.String(),
		log:                        s.log.With("track", typ.String()),
		session:                    s,
		playlistPosition:           -1,
		lastMatchedDiscontPosition: -1,
		drmMetaDataIndexPosition:   -1,
		trickPlayIdx:               -1,
		ring:                       newFragmentRing(s.cfg.MaxCachedFragments),
	}
	t.playlistIndexed = sync.NewCond(&t.playlistMu)
	return t
}

// resetScanCursor rewinds the playlist walk after an index rebuild.
func (t *TrackState) resetScanCursor() {
	t.scanOffset = 0
	t.playlistPosition = -1
	t.fragmentDurationSeconds = 0
	t.pendingDiscontinuity = false
	t.pendingProgramDateTime = ""
	t.pendingByteRange = ""
	t.byteRangeLength = 0
	t.byteRangeOffset = 0
}

// stopWaitForPlaylistRefresh wakes a discontinuity probe blocked on this
// track's index condition.
func (t *TrackState) stopWaitForPlaylistRefresh() {
	t.playlistMu.Lock()
	t.playlistIndexed.Broadcast()
	t.playlistMu.Unlock()
}

// applyKeyTag applies one #EXT-X-KEY tag to the track's crypto state.
func (t *TrackState) applyKeyTag(body string) error {
	k := manifest.ParseKeyAttrs(body)
	switch k.Method {
	case "NONE":
		if t.fragmentEncrypted {
			if !t.indexingInProgress {
				t.log.Info("key method transition", "from", "encrypted", "to", "clear")
			}
			t.fragmentEncrypted = false
			t.updateDrmCMSha1Hash("")
		}
		t.method = drmMethodNone
	case "AES-128":
		if !t.fragmentEncrypted {
			if !t.indexingInProgress {
				t.log.Warn("key method transition", "from", "clear", "to", "encrypted")
			}
			t.fragmentEncrypted = true
		}
		t.method = drmMethodAES128
	case "SAMPLE-AES":
		return fmt.Errorf("%w: SAMPLE-AES", ErrUnsupportedCrypto)
	case "":
		// METHOD is mandatory; tolerate its absence and keep current state.
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCrypto, k.Method)
	}
	if k.URI != "" {
		t.keyURI = k.URI
	}
	if k.IV != "" {
		iv, err := drm.DecodeIV(k.IV)
		if err != nil {
			return err
		}
		t.iv = iv
	}
	if k.CMSha1Hash != "" {
		h := strings.TrimPrefix(strings.TrimPrefix(k.CMSha1Hash, "0x"), "0X")
		t.updateDrmCMSha1Hash(h)
	}
	return nil
}

// updateDrmCMSha1Hash switches the current metadata key and re-selects the
// matching registry slot in this refresh cycle's metadata vector.
func (t *TrackState) updateDrmCMSha1Hash(hash string) {
	if hash == "" {
		t.cmSha1Hash = ""
		t.drmMetaDataIndexPosition = -1
		return
	}
	if t.cmSha1Hash != "" && t.cmSha1Hash != hash && !t.indexingInProgress {
		t.log.Info("drm metadata hash changed", "old", t.cmSha1Hash[:8], "new", hash[:8])
	}
	t.cmSha1Hash = hash
	for i, n := range t.drmMetadata {
		if n.Sha1Hash == hash {
			t.drmMetaDataIndexPosition = i
			return
		}
	}
	t.log.Warn("no metadata entry matches current hash",
		"hash", hash[:8], "entries", len(t.drmMetadata))
	t.drmMetaDataIndexPosition = -1
}

// getNextFragmentURI walks the playlist text from the scan cursor and
// returns the first fragment at or past playTarget, carrying the byte range,
// discontinuity flag, and program-date-time accumulated since the previous
// URI line. The second return is false at end of playlist.
func (t *TrackState) getNextFragmentURI(ctx context.Context) (*fragmentSelection, bool, error) {
	sc := manifest.NewLineScanner(t.playlist)
	sc.Reset(t.scanOffset)

	discontinuity := t.pendingDiscontinuity
	pdt := t.pendingProgramDateTime
	byteRange := t.pendingByteRange
	var initFragment string

	for {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		line, _, ok := sc.Next()
		if !ok {
			break
		}
		switch {
		case strings.HasPrefix(line, manifest.TagExtInf):
			if t.playlistPosition != -1 {
				t.playlistPosition += t.fragmentDurationSeconds
			} else {
				t.playlistPosition = 0
			}
			t.fragmentDurationSeconds = manifest.ParseExtinf(line[len(manifest.TagExtInf):])
		case strings.HasPrefix(line, manifest.TagMediaSequence):
			if v, err := strconv.ParseInt(line[len(manifest.TagMediaSequence):], 10, 64); err == nil {
				t.nextMediaSequenceNumber = v
			}
		case strings.HasPrefix(line, manifest.TagKey):
			if err := t.applyKeyTag(line[len(manifest.TagKey):]); err != nil {
				return nil, false, err
			}
		case strings.HasPrefix(line, manifest.TagByteRange):
			br, err := manifest.ParseByteRange(line[len(manifest.TagByteRange):])
			if err != nil {
				t.log.Warn("ignoring malformed byterange", "line", line, "error", err)
				break
			}
			if !br.HasOffset {
				br.Offset = t.byteRangeOffset + t.byteRangeLength
			}
			t.byteRangeLength, t.byteRangeOffset = br.Length, br.Offset
			byteRange = fmt.Sprintf("%d-%d", br.Offset, br.Offset+br.Length-1)
		case strings.HasPrefix(line, manifest.TagProgramDateTime):
			pdt = line[len(manifest.TagProgramDateTime):]
			if t.startTimeForPlaylistSync.IsZero() && t.session.trackEnabledCount() > 1 {
				if ts, err := manifest.ParseProgramDateTime(pdt); err == nil {
					t.startTimeForPlaylistSync = ts
				}
			}
		case line == manifest.TagDiscontinuity:
			discontinuity = true
		case strings.HasPrefix(line, manifest.TagMap):
			initFragment = line[len(manifest.TagMap):]
			t.initFragmentInfo = initFragment
		case line == manifest.TagEndList:
			t.hasEndListTag = true
		case manifest.IsURILine(line):
			if t.playlistPosition >= t.playTarget-eps {
				if discontinuity && !t.session.trickplayMode() {
					skip, clear := t.checkDiscontinuity(ctx)
					if clear {
						discontinuity = false
					}
					if skip {
						// play target moved past this fragment; keep walking
						t.nextMediaSequenceNumber++
						discontinuity = false
						pdt = ""
						byteRange = ""
						continue
					}
				}
				t.scanOffset = sc.Pos()
				t.pendingDiscontinuity = false
				t.pendingProgramDateTime = ""
				t.pendingByteRange = ""
				t.nextMediaSequenceNumber++
				return &fragmentSelection{
					uri:             line,
					duration:        t.fragmentDurationSeconds,
					position:        t.playlistPosition,
					discontinuity:   discontinuity,
					byteRange:       byteRange,
					programDateTime: pdt,
					initFragment:    initFragment,
				}, true, nil
			}
			t.nextMediaSequenceNumber++
			discontinuity = false
			pdt = ""
			byteRange = ""
		}
	}
	t.scanOffset = sc.Pos()
	t.pendingDiscontinuity = discontinuity
	t.pendingProgramDateTime = pdt
	t.pendingByteRange = byteRange
	return nil, false, nil
}

// checkDiscontinuity probes the other track for a matching discontinuity
// marker. Returns skip=true when this fragment must be skipped with the play
// target shifted forward, clear=true when the marker is spurious and the
// flag should be dropped.
func (t *TrackState) checkDiscontinuity(ctx context.Context) (skip, clear bool) {
	other := t.session.track(t.typ.Other())
	if other == nil || !other.enabled {
		return false, false
	}
	position := t.playlistPosition
	useStartTime := false
	if ts, err := manifest.ParseProgramDateTime(t.pendingProgramDateTime); err == nil && t.pendingProgramDateTime != "" {
		position = float64(ts.Unix()) + float64(ts.Nanosecond())/1e9
		useStartTime = true
	}
	var diff float64
	found := other.hasDiscontinuityAroundPosition(ctx, position, useStartTime, &diff, t.playlistPosition)
	if !found {
		t.log.Info("discontinuity not present on other track, clearing flag",
			"position", position)
		return false, true
	}
	if useStartTime && diff > t.fragmentDurationSeconds/2 {
		t.playTarget = t.playlistPosition + diff
		t.log.Info("other track discontinuity ahead, skipping fragment",
			"diff", diff, "play_target", t.playTarget)
		return true, false
	}
	return false, false
}

// hasDiscontinuityAroundPosition scans this track's discontinuity index for
// a marker within the discard tolerance of position. For live playlists the
// probe waits for a bounded number of refreshes when the playlist does not
// yet cover the position. diff receives marker position minus input position
// for start-time probes.
func (t *TrackState) hasDiscontinuityAroundPosition(ctx context.Context, position float64, useStartTime bool, diff *float64, playPosition float64) bool {
	low := position - discontinuityDiscardToleranceSeconds
	high := position + discontinuityDiscardToleranceSeconds
	*diff = math.MaxFloat64
	refreshWaits := 0

	t.playlistMu.Lock()
	defer t.playlistMu.Unlock()
	for ctx.Err() == nil {
		found := false
		for _, node := range t.discontinuityIndex {
			if t.lastMatchedDiscontPosition >= 0 && node.Position+t.culledSeconds <= t.lastMatchedDiscontPosition {
				continue
			}
			if !useStartTime {
				if low < node.Position && high > node.Position {
					t.lastMatchedDiscontPosition = node.Position + t.culledSeconds
					found = true
				}
			} else if node.ProgramDateTime != "" {
				ts, err := manifest.ParseProgramDateTime(node.ProgramDateTime)
				if err != nil {
					continue
				}
				discPos := float64(ts.Unix()) + float64(ts.Nanosecond())/1e9
				if low < discPos && high > discPos {
					d := discPos - position
					found = true
					if math.Abs(d) < math.Abs(*diff) {
						*diff = d
						t.lastMatchedDiscontPosition = node.Position + t.culledSeconds
					} else {
						break
					}
				}
			}
			if found && !useStartTime {
				break
			}
		}
		if found {
			return true
		}
		if t.playlistType == manifest.PlaylistTypeVOD ||
			refreshWaits >= maxRefreshWaitsForDiscontinuity ||
			t.duration >= playPosition+discontinuityDiscardToleranceSeconds {
			return false
		}
		t.log.Debug("discontinuity probe waiting for playlist refresh",
			"position", position, "duration", t.duration)
		t.playlistIndexed.Wait()
		refreshWaits++
	}
	return false
}

// getFragmentURIFromIndex selects the next fragment for trick play from the
// I-frame index, scanning in the direction of the playback rate.
func (t *TrackState) getFragmentURIFromIndex() (*fragmentSelection, bool) {
	if len(t.index) == 0 {
		return nil, false
	}
	rate := t.session.rate()
	idx := -1
	if rate > 0 {
		start := t.trickPlayIdx + 1
		if start < 0 {
			start = 0
		}
		for i := start; i < len(t.index); i++ {
			if t.index[i].CompletionTimeSecondsFromStart >= t.playTarget {
				idx = i
				break
			}
		}
	} else {
		start := t.trickPlayIdx - 1
		if start < 0 || start >= len(t.index) {
			start = len(t.index) - 1
		}
		for i := start; i >= 0; i-- {
			if t.index[i].CompletionTimeSecondsFromStart <= t.playTarget {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return nil, false
	}
	t.trickPlayIdx = idx
	node := t.index[idx]

	sc := manifest.NewLineScanner(t.playlist)
	sc.Reset(node.Offset)
	var duration float64
	var byteRange string
	for {
		line, _, ok := sc.Next()
		if !ok {
			break
		}
		switch {
		case strings.HasPrefix(line, manifest.TagExtInf):
			duration = manifest.ParseExtinf(line[len(manifest.TagExtInf):])
		case strings.HasPrefix(line, manifest.TagByteRange):
			if br, err := manifest.ParseByteRange(line[len(manifest.TagByteRange):]); err == nil {
				off := br.Offset
				if !br.HasOffset {
					off = t.byteRangeOffset + t.byteRangeLength
				}
				t.byteRangeLength, t.byteRangeOffset = br.Length, off
				byteRange = fmt.Sprintf("%d-%d", off, off+br.Length-1)
			}
		case manifest.IsURILine(line):
			prev := 0.0
			if idx > 0 {
				prev = t.index[idx-1].CompletionTimeSecondsFromStart
			}
			return &fragmentSelection{
				uri:       line,
				duration:  duration,
				position:  prev,
				byteRange: byteRange,
			}, true
		}
	}
	return nil, false
}

// decideStreamFormat chooses the elementary stream format from the first
// fragment's file extension; when the extension is not recognized, an mp4a
// CODECS string selects AAC-ES and anything else MPEG-TS.
func decideStreamFormat(codecs, firstFragmentURI string) StreamOutputFormat {
	uri := firstFragmentURI
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	switch {
	case strings.HasSuffix(uri, ".ts"):
		return FormatMpegTS
	case strings.HasSuffix(uri, ".mp4"), strings.HasSuffix(uri, ".m4s"):
		return FormatISOBMFF
	case strings.HasSuffix(uri, ".aac"):
		return FormatAACES
	}
	if strings.HasPrefix(codecs, "mp4a") {
		return FormatAACES
	}
	return FormatMpegTS
}
