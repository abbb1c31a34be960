package collector

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
)

// Harvester persists downloaded manifests and fragments for offline
// inspection. Writes are best effort and never surface on the download path.
type Harvester struct {
	dir   string
	limit int
	log   *slog.Logger

	mu     sync.Mutex
	counts map[string]int
}

// NewHarvester writes at most limit files per track under dir. A limit of 0
// means unbounded.
func NewHarvester(dir string, limit int, log *slog.Logger) *Harvester {
	return &Harvester{dir: dir, limit: limit, log: log, counts: make(map[string]int)}
}

// WriteManifest stores one downloaded playlist body.
func (h *Harvester) WriteManifest(name string, body []byte) {
	h.write(name, fmt.Sprintf("%s-%d.m3u8", name, h.next(name)), body)
}

// WriteFragment stores one downloaded fragment body, keeping the source
// URI's extension.
func (h *Harvester) WriteFragment(track, uri string, body []byte) {
	ext := path.Ext(uri)
	if ext == "" {
		ext = ".bin"
	}
	h.write(track, fmt.Sprintf("%d%s", h.next(track), ext), body)
}

func (h *Harvester) next(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[key]++
	return h.counts[key]
}

func (h *Harvester) write(sub, name string, body []byte) {
	h.mu.Lock()
	over := h.limit > 0 && h.counts[sub] > h.limit
	h.mu.Unlock()
	if over {
		return
	}
	dir := filepath.Join(h.dir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.log.Warn("harvest mkdir failed", "dir", dir, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
		h.log.Warn("harvest write failed", "file", name, "error", err)
	}
}

// harvestManifest records a media playlist body when harvesting is enabled.
func (s *Session) harvestManifest(t *TrackState, body []byte) {
	if s.harvester != nil {
		s.harvester.WriteManifest(t.name, body)
	}
}

// harvestFragment records a fragment body when harvesting is enabled.
func (s *Session) harvestFragment(t *TrackState, uri string, body []byte) {
	if s.harvester != nil {
		s.harvester.WriteFragment(t.name, uri, body)
	}
}
