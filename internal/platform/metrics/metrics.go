package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the fragment collector.
type Metrics struct {
	registry                 *prometheus.Registry
	fragmentsDownloaded      *prometheus.CounterVec
	fragmentDownloadFailures *prometheus.CounterVec
	playlistRefreshes        *prometheus.CounterVec
	culledSeconds            *prometheus.CounterVec
	decryptFailures          *prometheus.CounterVec
	licenseWaitSeconds       prometheus.Histogram
	refreshDelayMs           *prometheus.GaugeVec
	cachedFragments          *prometheus.GaugeVec
	activeTracks             prometheus.Gauge
}

// New creates and registers Prometheus metrics for the collector.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fragmentsDownloaded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_fragments_downloaded_total",
		Help: "Total number of media fragments successfully downloaded",
	}, []string{"track"})
	fragmentDownloadFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_fragment_download_failures_total",
		Help: "Total number of failed fragment download attempts",
	}, []string{"track"})
	playlistRefreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_playlist_refreshes_total",
		Help: "Total number of media playlist refreshes",
	}, []string{"track"})
	culledSeconds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_culled_seconds_total",
		Help: "Seconds removed from the head of a live playlist across refreshes",
	}, []string{"track"})
	decryptFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_decrypt_failures_total",
		Help: "Total number of fragment decryption failures",
	}, []string{"track"})
	licenseWaitSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hls_license_wait_seconds",
		Help:    "Time spent waiting for license acquisition before decrypt",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 12},
	})
	refreshDelayMs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hls_refresh_delay_ms",
		Help: "Most recently computed playlist refresh delay in milliseconds",
	}, []string{"track"})
	cachedFragments := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hls_cached_fragments",
		Help: "Fragments currently buffered between collector and injector",
	}, []string{"track"})
	activeTracks := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hls_active_tracks",
		Help: "Number of tracks with a running fetch loop",
	})

	registry.MustRegister(
		fragmentsDownloaded,
		fragmentDownloadFailures,
		playlistRefreshes,
		culledSeconds,
		decryptFailures,
		licenseWaitSeconds,
		refreshDelayMs,
		cachedFragments,
		activeTracks,
	)

	return &Metrics{
		registry:                 registry,
		fragmentsDownloaded:      fragmentsDownloaded,
		fragmentDownloadFailures: fragmentDownloadFailures,
		playlistRefreshes:        playlistRefreshes,
		culledSeconds:            culledSeconds,
		decryptFailures:          decryptFailures,
		licenseWaitSeconds:       licenseWaitSeconds,
		refreshDelayMs:           refreshDelayMs,
		cachedFragments:          cachedFragments,
		activeTracks:             activeTracks,
	}
}

// IncFragmentsDownloaded increments the downloaded-fragment counter for a track.
func (m *Metrics) IncFragmentsDownloaded(track string) {
	m.fragmentsDownloaded.WithLabelValues(track).Inc()
}

// IncFragmentDownloadFailures increments the failed-download counter for a track.
func (m *Metrics) IncFragmentDownloadFailures(track string) {
	m.fragmentDownloadFailures.WithLabelValues(track).Inc()
}

// IncPlaylistRefreshes increments the refresh counter for a track.
func (m *Metrics) IncPlaylistRefreshes(track string) {
	m.playlistRefreshes.WithLabelValues(track).Inc()
}

// AddCulledSeconds accumulates culled duration for a track.
func (m *Metrics) AddCulledSeconds(track string, s float64) {
	if s > 0 {
		m.culledSeconds.WithLabelValues(track).Add(s)
	}
}

// IncDecryptFailures increments the decrypt-failure counter for a track.
func (m *Metrics) IncDecryptFailures(track string) {
	m.decryptFailures.WithLabelValues(track).Inc()
}

// ObserveLicenseWait records one license wait duration in seconds.
func (m *Metrics) ObserveLicenseWait(seconds float64) {
	m.licenseWaitSeconds.Observe(seconds)
}

// SetRefreshDelayMs records the latest computed refresh delay for a track.
func (m *Metrics) SetRefreshDelayMs(track string, ms float64) {
	m.refreshDelayMs.WithLabelValues(track).Set(ms)
}

// SetCachedFragments sets the buffered-fragment gauge for a track.
func (m *Metrics) SetCachedFragments(track string, n int) {
	m.cachedFragments.WithLabelValues(track).Set(float64(n))
}

// SetActiveTracks sets the active track gauge.
func (m *Metrics) SetActiveTracks(n int) {
	m.activeTracks.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
