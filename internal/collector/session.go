package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hls-collector/internal/drm"
	"hls-collector/internal/fetch"
	"hls-collector/internal/manifest"
	"hls-collector/internal/platform/metrics"
)

// Options assembles a Session's collaborators and tuning.
type Options struct {
	Config          Config
	Host            Host
	Sink            FragmentSink
	Getter          fetch.Getter
	LicenseProvider drm.LicenseProvider
	ABR             ABRPolicy
	Metrics         *metrics.Metrics
	Harvester       *Harvester
	Logger          *slog.Logger

	Rate                float64
	SeekPositionSeconds float64
	InitialBitrate      int64
}

// Session owns the track set of one tune: it runs the initial tune sequence,
// keeps the tracks synchronized, and drives the per-track collector and
// injector goroutines until Stop.
type Session struct {
	id        string
	log       *slog.Logger
	cfg       Config
	host      Host
	sink      FragmentSink
	getter    fetch.Getter
	registry  *drm.Registry
	abr       ABRPolicy
	met       *metrics.Metrics
	harvester *Harvester

	ctx    context.Context
	cancel context.CancelFunc

	manifestURL  string
	effectiveURL string
	master       *manifest.Master
	profiles     []manifest.StreamInfo
	iframes      []manifest.StreamInfo
	renditions   []manifest.MediaInfo

	rateVal        float64
	seekPosition   float64
	initialBW      int64
	live           bool
	profileIdx     int
	audioLanguage  string
	audioRendition *manifest.MediaInfo

	tracks [trackCount]*TrackState

	keyMu    sync.Mutex
	keyCache map[string][]byte

	firstDecryptOnce sync.Once
	escalateOnce     sync.Once

	errMu   sync.Mutex
	lastErr error

	wg      sync.WaitGroup
	started bool
}

// NewSession builds a session for manifestURL. Init must be called before
// fragments flow.
func NewSession(manifestURL string, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Host == nil {
		opts.Host = NopHost{}
	}
	if opts.ABR == nil {
		opts.ABR = nopABR{}
	}
	if opts.Rate == 0 {
		opts.Rate = 1.0
	}
	id := uuid.NewString()
	s := &Session{
		id:           id,
		log:          log.With("session_id", id),
		cfg:          opts.Config.withDefaults(),
		host:         opts.Host,
		sink:         opts.Sink,
		getter:       opts.Getter,
		abr:          opts.ABR,
		met:          opts.Metrics,
		harvester:    opts.Harvester,
		manifestURL:  manifestURL,
		rateVal:      opts.Rate,
		seekPosition: opts.SeekPositionSeconds,
		initialBW:    opts.InitialBitrate,
		keyCache:     make(map[string][]byte),
	}
	s.registry = drm.NewRegistry(opts.LicenseProvider, s.log)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for i := range s.tracks {
		s.tracks[i] = newTrackState(TrackType(i), s)
	}
	return s
}

func (s *Session) now() time.Time        { return time.Now() }
func (s *Session) rate() float64         { return s.rateVal }
func (s *Session) trickplayMode() bool   { return s.rateVal != 1.0 }
func (s *Session) isLive() bool          { return s.live }
func (s *Session) currentProfile() int   { return s.profileIdx }
func (s *Session) ID() string            { return s.id }

func (s *Session) track(typ TrackType) *TrackState {
	return s.tracks[typ]
}

func (s *Session) trackEnabledCount() int {
	n := 0
	for _, t := range s.tracks {
		if t.enabled {
			n++
		}
	}
	return n
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// Err returns the first fatal pipeline error, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Init runs the tune sequence: master manifest, profile and rendition
// selection, media playlist indexing, track synchronization, live-edge
// adjustment, license pre-warm, and finally the collector and injector
// goroutines.
func (s *Session) Init(ctx context.Context, tuneType TuneType) error {
	if err := s.fetchMasterManifest(ctx); err != nil {
		return err
	}
	s.selectInitialProfile(tuneType)
	s.selectAudioRendition()

	video := s.track(TrackVideo)
	audio := s.track(TrackAudio)

	video.enabled = true
	video.playlistURL = s.profileURL(s.profileIdx)
	if uri := s.audioRenditionURI(); uri != "" {
		audio.enabled = true
		audio.playlistURL = uri
	}
	if s.trickplayMode() {
		if uri := s.iframeProfileURL(); uri != "" {
			video.playlistURL = uri
			audio.enabled = false
		}
	}

	if err := s.downloadAndIndexPlaylists(ctx); err != nil {
		return err
	}

	s.live = video.playlistType != manifest.PlaylistTypeVOD && !video.hasEndListTag
	s.decideStreamFormats()
	s.sendMediaMetadata()

	if err := s.applySeek(tuneType); err != nil {
		return err
	}

	if !s.trickplayMode() {
		if err := s.synchronizeTracks(ctx); err != nil {
			s.host.SendErrorEvent(ErrTracksSync, err.Error(), true)
			return err
		}
	}

	s.adjustForLive(tuneType)
	s.alignDiscontinuityPeriods()
	s.processDrmMetadata(ctx, true)

	for _, t := range s.tracks {
		if !t.enabled {
			continue
		}
		t.lastPlaylistDownloadTime = s.now()
		if t.initFragmentInfo != "" {
			t.injectInitFragment = true
		}
		tt := t
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.runCollector(s.ctx, tt)
		}()
		go func() {
			defer s.wg.Done()
			s.runInjector(s.ctx, tt)
		}()
	}
	if s.met != nil {
		s.met.SetActiveTracks(s.trackEnabledCount())
	}
	s.started = true
	s.log.Info("session initialized",
		"live", s.live, "profile", s.profileIdx,
		"tracks", s.trackEnabledCount(), "rate", s.rateVal)
	return nil
}

// fetchMasterManifest downloads and parses the master manifest, retrying 404s.
// A media playlist served at the manifest URL is accepted as a single-variant
// stream.
func (s *Session) fetchMasterManifest(ctx context.Context) error {
	var body []byte
	var effectiveURL string
	var status int
	var err error
	for attempt := 0; attempt < maxManifestDownloadRetry; attempt++ {
		body, effectiveURL, status, err = s.getter.GetFile(ctx, s.manifestURL, "")
		if err == nil {
			break
		}
		if status != http.StatusNotFound {
			break
		}
		s.log.Warn("master manifest 404, retrying", "attempt", attempt+1)
		if !sleepCtx(ctx, manifestRetrySleep) {
			return ctx.Err()
		}
	}
	if err != nil {
		s.host.SendDownloadErrorEvent(ErrManifestDownload, status)
		return fmt.Errorf("%w: %v", ErrManifestDownload, err)
	}
	s.effectiveURL = effectiveURL
	if s.harvester != nil {
		s.harvester.WriteManifest("master", body)
	}

	master, perr := manifest.ParseMaster(body)
	if perr != nil {
		if hasMediaSegments(body) {
			master = &manifest.Master{Streams: []manifest.StreamInfo{{URI: effectiveURL}}}
		} else {
			s.host.SendErrorEvent(ErrInvalidManifest, perr.Error(), true)
			return perr
		}
	}
	s.master = master
	for _, si := range master.Streams {
		if si.IsIframeTrack {
			s.iframes = append(s.iframes, si)
		} else {
			s.profiles = append(s.profiles, si)
		}
	}
	sort.SliceStable(s.profiles, func(i, j int) bool {
		return s.profiles[i].BandwidthBitsPerSecond < s.profiles[j].BandwidthBitsPerSecond
	})
	sort.SliceStable(s.iframes, func(i, j int) bool {
		return s.iframes[i].BandwidthBitsPerSecond < s.iframes[j].BandwidthBitsPerSecond
	})
	s.renditions = master.Media
	return nil
}

func hasMediaSegments(body []byte) bool {
	sc := manifest.NewLineScanner(body)
	for {
		line, _, ok := sc.Next()
		if !ok {
			return false
		}
		if len(line) > len(manifest.TagExtInf) && line[:len(manifest.TagExtInf)] == manifest.TagExtInf {
			return true
		}
	}
}

// selectInitialProfile picks the starting variant: the highest bandwidth not
// above the configured initial bitrate, else the lowest variant.
func (s *Session) selectInitialProfile(tuneType TuneType) {
	s.profileIdx = 0
	if s.initialBW <= 0 {
		return
	}
	for i, p := range s.profiles {
		if p.BandwidthBitsPerSecond <= s.initialBW {
			s.profileIdx = i
		}
	}
}

// GetBWIndex maps a bitrate to the nearest profile index, used for resume.
func (s *Session) GetBWIndex(bitrate int64) int {
	best := 0
	for i, p := range s.profiles {
		if p.BandwidthBitsPerSecond <= bitrate {
			best = i
		}
	}
	return best
}

func (s *Session) profileURL(idx int) string {
	if idx < 0 || idx >= len(s.profiles) {
		return ""
	}
	u, err := manifest.ResolveURL(s.effectiveURL, s.profiles[idx].URI)
	if err != nil {
		return s.profiles[idx].URI
	}
	return u
}

func (s *Session) iframeProfileURL() string {
	if len(s.iframes) == 0 {
		return ""
	}
	u, err := manifest.ResolveURL(s.effectiveURL, s.iframes[0].URI)
	if err != nil {
		return s.iframes[0].URI
	}
	return u
}

// selectAudioRendition chooses the audio rendition within the selected
// profile's audio group: preferred language first, then the default flag,
// then the first member.
func (s *Session) selectAudioRendition() {
	group := ""
	if s.profileIdx < len(s.profiles) {
		group = s.profiles[s.profileIdx].AudioGroup
	}
	var candidates []manifest.MediaInfo
	for _, mi := range s.renditions {
		if mi.Type != manifest.MediaTypeAudio {
			continue
		}
		if group != "" && mi.GroupID != group {
			continue
		}
		candidates = append(candidates, mi)
	}
	if len(candidates) == 0 {
		return
	}
	chosen := candidates[0]
	for _, mi := range candidates {
		if s.cfg.PreferredAudioLanguage != "" && mi.Language == s.cfg.PreferredAudioLanguage {
			chosen = mi
			break
		}
		if mi.Default {
			chosen = mi
		}
	}
	s.audioLanguage = chosen.Language
	s.audioRendition = &chosen
	if chosen.Language != "" {
		s.host.UpdateAudioLanguageSelection(chosen.Language)
	}
}

func (s *Session) audioRenditionURI() string {
	if s.audioRendition == nil || s.audioRendition.URI == "" {
		return ""
	}
	u, err := manifest.ResolveURL(s.effectiveURL, s.audioRendition.URI)
	if err != nil {
		return s.audioRendition.URI
	}
	return u
}

// downloadAndIndexPlaylists fetches and indexes each enabled track's media
// playlist, the audio one in parallel when configured.
func (s *Session) downloadAndIndexPlaylists(ctx context.Context) error {
	video := s.track(TrackVideo)
	audio := s.track(TrackAudio)

	fetchOne := func(t *TrackState) error {
		body, effectiveURL, err := s.fetchPlaylist(ctx, t)
		if err != nil {
			return err
		}
		t.playlist = body
		t.effectiveURL = effectiveURL
		t.lastPlaylistDownloadTime = s.now()
		return t.indexPlaylist(ctx)
	}

	if audio.enabled && s.cfg.ParallelPlaylistFetch {
		errCh := make(chan error, 1)
		go func() { errCh <- fetchOne(audio) }()
		if err := fetchOne(video); err != nil {
			<-errCh
			return err
		}
		return <-errCh
	}
	if err := fetchOne(video); err != nil {
		return err
	}
	if audio.enabled {
		return fetchOne(audio)
	}
	return nil
}

// decideStreamFormats sets each enabled track's elementary stream format
// from the CODECS string or the first fragment's extension.
func (s *Session) decideStreamFormats() {
	codecs := ""
	if s.profileIdx < len(s.profiles) {
		codecs = s.profiles[s.profileIdx].Codecs
	}
	for _, t := range s.tracks {
		if !t.enabled {
			continue
		}
		t.streamFormat = decideStreamFormat(codecs, firstFragmentURI(t.playlist))
		if t.initFragmentInfo != "" {
			t.streamFormat = FormatISOBMFF
		}
		t.log.Debug("stream format decided", "format", t.streamFormat.String())
	}
}

func firstFragmentURI(playlist []byte) string {
	sc := manifest.NewLineScanner(playlist)
	for {
		line, _, ok := sc.Next()
		if !ok {
			return ""
		}
		if manifest.IsURILine(line) {
			return line
		}
	}
}

func (s *Session) sendMediaMetadata() {
	var languages []string
	for _, mi := range s.renditions {
		if mi.Type == manifest.MediaTypeAudio && mi.Language != "" {
			languages = append(languages, mi.Language)
		}
	}
	var bitrates []int64
	for _, p := range s.profiles {
		bitrates = append(bitrates, p.BandwidthBitsPerSecond)
	}
	durationMs := int64(-1)
	if !s.live {
		durationMs = int64(s.track(TrackVideo).duration * 1000)
	}
	s.host.SendMediaMetadataEvent(durationMs, languages, bitrates,
		s.master.HasDrmMetadata || len(s.track(TrackVideo).drmMetadata) > 0,
		len(s.iframes) > 0)
}

// applySeek validates and applies the requested start position.
func (s *Session) applySeek(tuneType TuneType) error {
	if s.seekPosition <= 0 {
		return nil
	}
	video := s.track(TrackVideo)
	if !s.live && s.seekPosition > video.duration {
		err := fmt.Errorf("%w: seek %.1fs beyond duration %.1fs",
			ErrSeekRange, s.seekPosition, video.duration)
		s.host.SendErrorEvent(ErrSeekRange, err.Error(), true)
		return err
	}
	for _, t := range s.tracks {
		if t.enabled {
			t.playTarget = s.seekPosition
		}
	}
	return nil
}

// adjustForLive moves both tracks to the live point when tuning to a live
// stream fresh or seeking past the live window.
func (s *Session) adjustForLive(tuneType TuneType) {
	if !s.live {
		return
	}
	video := s.track(TrackVideo)
	audio := s.track(TrackAudio)
	newNormal := tuneType == TuneTypeNew && video.playlistType == manifest.PlaylistTypeUndefined
	seekPastWindow := s.seekPosition > 0 && s.seekPosition >= video.duration
	if !newNormal && !seekPastWindow {
		return
	}
	offsetToLive := func(t *TrackState) float64 {
		off := t.duration - s.cfg.LiveOffsetSeconds - t.playTargetOffset
		if off < 0 {
			off = 0
		}
		return off
	}
	target := offsetToLive(video)
	if audio.enabled {
		if a := offsetToLive(audio); a < target {
			target = a
		}
	}
	for _, t := range s.tracks {
		if t.enabled {
			t.playTarget = target
		}
	}
	s.log.Info("adjusted play target to live point", "play_target", target)
	s.host.NotifyOnEnteringLive()
}

// alignDiscontinuityPeriods walks discontinuity periods in lockstep for live
// content where both tracks expose the same period count, bumping a track
// whose play target trails its next period boundary.
func (s *Session) alignDiscontinuityPeriods() {
	if !s.live {
		return
	}
	video := s.track(TrackVideo)
	audio := s.track(TrackAudio)
	if !video.enabled || !audio.enabled {
		return
	}
	if len(video.discontinuityIndex) == 0 ||
		len(video.discontinuityIndex) != len(audio.discontinuityIndex) {
		return
	}
	for i := range video.discontinuityIndex {
		vNode := video.discontinuityIndex[i]
		aNode := audio.discontinuityIndex[i]
		if vNode.Position <= video.playTarget+5 || aNode.Position <= audio.playTarget+5 {
			continue
		}
		prevV, prevA := periodStart(video, i), periodStart(audio, i)
		if video.playTarget < prevV {
			video.playTarget = prevV
			video.log.Info("bumped play target to discontinuity period start", "position", prevV)
		}
		if audio.playTarget < prevA {
			audio.playTarget = prevA
			audio.log.Info("bumped play target to discontinuity period start", "position", prevA)
		}
		break
	}
}

// processDrmMetadata registers license metadata with the registry. With
// acquireCurrentLicenseOnly only the track's currently selected entry is
// registered, pre-warming the key the first fragments will need.
func (s *Session) processDrmMetadata(ctx context.Context, acquireCurrentLicenseOnly bool) {
	for _, t := range s.tracks {
		if !t.enabled || len(t.drmMetadata) == 0 {
			continue
		}
		if acquireCurrentLicenseOnly {
			if t.drmMetaDataIndexPosition >= 0 && t.drmMetaDataIndexPosition < len(t.drmMetadata) {
				s.registry.SetMetadata(ctx, t.drmMetadata[t.drmMetaDataIndexPosition], t.name)
			}
			continue
		}
		for _, node := range t.drmMetadata {
			s.registry.SetMetadata(ctx, node, t.name)
		}
	}
}

// switchProfile repoints the video track at another variant's playlist and
// reindexes it, keeping the play target.
func (s *Session) switchProfile(ctx context.Context, t *TrackState, idx int) error {
	if idx < 0 || idx >= len(s.profiles) {
		return fmt.Errorf("profile index %d out of range", idx)
	}
	t.playlistURL = s.profileURL(idx)
	body, effectiveURL, err := s.fetchPlaylist(ctx, t)
	if err != nil {
		return err
	}
	t.playlist = body
	t.effectiveURL = effectiveURL
	if err := t.indexPlaylist(ctx); err != nil {
		return err
	}
	t.resetScanCursor()
	t.nextMediaSequenceNumber = t.indexFirstMediaSequenceNumber
	t.lastPlaylistDownloadTime = s.now()
	s.profileIdx = idx
	if t.initFragmentInfo != "" {
		t.injectInitFragment = true
	}
	return nil
}

// Stop tears the session down: downloads are disabled, blocked waiters are
// woken, and the collector and injector goroutines are joined. With
// clearChannelData the DRM registry and deferred-license state are cleared
// too.
func (s *Session) Stop(clearChannelData bool) {
	s.cancel()
	for _, t := range s.tracks {
		t.stopWaitForPlaylistRefresh()
	}
	s.registry.CancelWaitAll()
	s.wg.Wait()
	if clearChannelData {
		s.registry.ReleaseAll()
		s.registry.ResetAll()
	}
	if s.met != nil {
		s.met.SetActiveTracks(0)
	}
	s.log.Info("session stopped", "cleared", clearChannelData)
}

// Wait blocks until every track pipeline has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// TrackStatus is one track's snapshot inside a Status report.
type TrackStatus struct {
	Enabled         bool    `json:"enabled"`
	Duration        float64 `json:"duration_seconds"`
	PlayTarget      float64 `json:"play_target_seconds"`
	CulledSeconds   float64 `json:"culled_seconds"`
	Format          string  `json:"format"`
	EOS             bool    `json:"eos"`
	CachedFragments int     `json:"cached_fragments"`
}

// Status is a point-in-time session snapshot for diagnostics.
type Status struct {
	ID          string                 `json:"id"`
	ManifestURL string                 `json:"manifest_url"`
	Live        bool                   `json:"live"`
	Rate        float64                `json:"rate"`
	Profile     int                    `json:"profile"`
	Profiles    int                    `json:"profiles"`
	Audio       string                 `json:"audio_language,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Tracks      map[string]TrackStatus `json:"tracks"`
}

// Status reports the session snapshot served at /status.
func (s *Session) Status() Status {
	st := Status{
		ID:          s.id,
		ManifestURL: s.manifestURL,
		Live:        s.live,
		Rate:        s.rateVal,
		Profile:     s.profileIdx,
		Profiles:    len(s.profiles),
		Audio:       s.audioLanguage,
		Tracks:      make(map[string]TrackStatus, trackCount),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	for _, t := range s.tracks {
		st.Tracks[t.name] = TrackStatus{
			Enabled:         t.enabled,
			Duration:        t.duration,
			PlayTarget:      t.playTarget,
			CulledSeconds:   t.culledSeconds,
			Format:          t.streamFormat.String(),
			EOS:             t.eosReached,
			CachedFragments: t.ring.occupancy(),
		}
	}
	return st
}
