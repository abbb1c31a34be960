package origin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler serves the simulated origin over HTTP: master playlist, per-track
// media playlists, segment bodies, and a registration endpoint for feeders.
type Handler struct {
	store      *Store
	log        *slog.Logger
	variants   []Variant
	renditions []Rendition

	// ExtraHeader lines are injected into every media playlist, letting
	// tests exercise key and DRM metadata tags.
	ExtraHeader map[TrackID][]string
}

// NewHandler returns a Handler serving store with the given master layout.
func NewHandler(store *Store, log *slog.Logger, variants []Variant, renditions []Rendition) *Handler {
	return &Handler{
		store:       store,
		log:         log,
		variants:    variants,
		renditions:  renditions,
		ExtraHeader: make(map[TrackID][]string),
	}
}

// Routes mounts the origin endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/master.m3u8", h.GetMaster)
	r.Post("/end", h.EndChannel)
	r.Route("/{track}", func(r chi.Router) {
		r.Get("/playlist.m3u8", h.GetPlaylist)
		r.Get("/segments/{sequence}.ts", h.GetSegment)
		r.Post("/segments", h.RegisterSegment)
	})
	return r
}

// GetMaster handles GET /master.m3u8.
func (h *Handler) GetMaster(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(BuildMasterPlaylist(h.variants, h.renditions)))
}

// GetPlaylist handles GET /{track}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	trackID := TrackID(chi.URLParam(r, "track"))
	segments, ended, ok := h.store.Snapshot(trackID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(BuildMediaPlaylist(segments, ended, h.ExtraHeader[trackID]...)))
}

// GetSegment handles GET /{track}/segments/{sequence}.ts.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	trackID := TrackID(chi.URLParam(r, "track"))
	sequence, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	seg, ok := h.store.GetSegment(trackID, sequence)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	payload := seg.Payload
	if payload == nil {
		payload = SyntheticPayload(trackID, sequence)
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// RegisterSegment handles POST /{track}/segments.
// Body: { "sequence": 42, "duration": 6.0 }.
func (h *Handler) RegisterSegment(w http.ResponseWriter, r *http.Request) {
	trackID := TrackID(chi.URLParam(r, "track"))
	var seg Segment
	if err := json.NewDecoder(r.Body).Decode(&seg); err != nil {
		h.log.Debug("invalid segment body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.store.RegisterSegment(trackID, seg); err != nil {
		h.log.Info("segment rejected, track ended",
			slog.String("track", string(trackID)),
			slog.Int64("sequence", seg.Sequence))
		w.WriteHeader(http.StatusConflict)
		return
	}
	h.log.Debug("segment registered",
		slog.String("track", string(trackID)),
		slog.Int64("sequence", seg.Sequence))
	w.WriteHeader(http.StatusCreated)
}

// EndChannel handles POST /end.
func (h *Handler) EndChannel(w http.ResponseWriter, r *http.Request) {
	h.store.End()
	h.log.Info("channel ended")
	w.WriteHeader(http.StatusOK)
}

// SyntheticPayload is a deterministic fake segment body: enough bytes to look
// like media, cheap to regenerate, unique per track and sequence.
func SyntheticPayload(trackID TrackID, sequence int64) []byte {
	header := strings.Repeat("G", 4)
	body := strings.Repeat(string(trackID)+"-"+strconv.FormatInt(sequence, 10)+"|", 16)
	return []byte(header + body)
}
