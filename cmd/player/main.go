package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hls-collector/internal/collector"
	"hls-collector/internal/fetch"
	"hls-collector/internal/origin"
	"hls-collector/internal/platform/config"
	"hls-collector/internal/platform/logger"
	"hls-collector/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	manifestURL := config.GetEnv("MANIFEST_URL", "")

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	cfg := collector.Config{
		LiveOffsetSeconds:      config.GetEnvFloat("LIVE_OFFSET_SECONDS", 15.0),
		MaxCachedFragments:     config.GetEnvInt("MAX_CACHED_FRAGMENTS", 3),
		TrickPlayFPS:           config.GetEnvInt("TRICKPLAY_FPS", 8),
		UseProgramDateTime:     config.GetEnvBool("USE_PROGRAM_DATE_TIME", false),
		ParallelPlaylistFetch:  config.GetEnvBool("PARALLEL_PLAYLIST_FETCH", true),
		UserAgent:              config.GetEnv("USER_AGENT", "hls-collector/1.0"),
		PreferredAudioLanguage: config.GetEnv("PREFERRED_AUDIO_LANGUAGE", ""),
	}
	if tags := config.GetEnv("SUBSCRIBED_TAGS", ""); tags != "" {
		cfg.SubscribedTags = strings.Split(tags, ",")
	}

	var harvester *collector.Harvester
	if dir := config.GetEnv("HARVEST_DIR", ""); dir != "" {
		harvester = collector.NewHarvester(dir, config.GetEnvInt("HARVEST_LIMIT", 100), log)
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(func(int) {}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(nil).ServeHTTP(w, req)
	})

	// With no upstream manifest configured, serve a simulated live channel
	// from this process and tune to it.
	demoCancel := func() {}
	if manifestURL == "" {
		store := origin.NewStore(config.GetEnvInt("DEMO_WINDOW_SIZE", origin.DefaultWindowSize))
		variants := []origin.Variant{
			{Path: "video/playlist.m3u8", Bandwidth: 2_000_000, Resolution: "1280x720", Codecs: "avc1.64001f", AudioGroup: "aud"},
		}
		renditions := []origin.Rendition{
			{Type: "AUDIO", GroupID: "aud", Name: "English", Language: "en", Default: true, Path: "audio/playlist.m3u8"},
		}
		originHandler := origin.NewHandler(store, log, variants, renditions)
		r.Mount("/origin", originHandler.Routes())

		segDuration := config.GetEnvFloat("DEMO_SEGMENT_DURATION", 2.0)
		feeder := origin.NewFeeder(store, log, []origin.TrackID{"video", "audio"}, segDuration)
		feeder.Prime(origin.DefaultWindowSize)
		var feedCtx context.Context
		feedCtx, demoCancel = context.WithCancel(context.Background())
		go feeder.Run(feedCtx, time.Duration(segDuration*float64(time.Second)))

		manifestURL = "http://127.0.0.1:" + port + "/origin/master.m3u8"
		log.Info("demo origin enabled", "manifest_url", manifestURL)
	}

	session := collector.NewSession(manifestURL, collector.Options{
		Config:              cfg,
		Sink:                &logSink{log: log},
		Getter:              fetch.NewClient(fetch.WithUserAgent(cfg.UserAgent)),
		Metrics:             met,
		Harvester:           harvester,
		Logger:              log,
		Rate:                config.GetEnvFloat("RATE", 1.0),
		SeekPositionSeconds: config.GetEnvFloat("SEEK_POSITION_SECONDS", 0),
		InitialBitrate:      int64(config.GetEnvInt("INITIAL_BITRATE", 0)),
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(session.Status())
	})

	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("player starting",
		"port", port,
		"manifest_url", manifestURL,
		"log_level", logLevel,
	)

	go func() {
		if err := session.Init(context.Background(), collector.TuneTypeNew); err != nil {
			log.Error("tune failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	session.Stop(true)
	demoCancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("player stopped")
}

// logSink is the demo fragment consumer: it drops the bytes and logs the
// delivery, standing in for a real demuxer pipeline.
type logSink struct {
	log *slog.Logger
}

func (s *logSink) Deliver(_ context.Context, track collector.TrackType, fragment *collector.CachedFragment) error {
	s.log.Debug("fragment delivered",
		"track", track.String(),
		"position", fragment.Position,
		"duration", fragment.Duration,
		"bytes", len(fragment.Fragment),
		"discontinuity", fragment.Discontinuity,
	)
	return nil
}
