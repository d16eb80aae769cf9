package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hls-segmenter/internal/mpegts"
	"hls-segmenter/internal/orchestrator"
	"hls-segmenter/internal/platform/config"
	"hls-segmenter/internal/platform/logger"
	"hls-segmenter/internal/platform/metrics"
	"hls-segmenter/internal/segment"
	"hls-segmenter/internal/segmenter"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.LoadSettings()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	storage, err := segment.ParseStorage(cfg.SegmentStorage)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if storage == segment.StorageDisk {
		if err := os.MkdirAll(cfg.SegmentDir, 0o755); err != nil {
			log.Error("creating segment directory", "dir", cfg.SegmentDir, "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	reg := orchestrator.NewRegistry(ctx, orchestrator.Settings{
		Segments: segmenter.Config{
			TimeLimit:         cfg.SegmentTimeLimit,
			MaxSegments:       cfg.MaxSegments,
			Storage:           storage,
			Dir:               cfg.SegmentDir,
			ReaderLockTimeout: cfg.ReaderLockTimeout,
			IdleGrace:         cfg.IdleGrace,
			Encoder: mpegts.EncoderConfig{
				VideoCodec: cfg.VideoCodec,
				AudioCodec: cfg.AudioCodec,
				SampleRate: cfg.OutputSampleRate,
				Channels:   cfg.OutputChannels,
			},
		},
		MixerInsertSilence: cfg.MixerInsertSilence,
	}, log, met)
	svc := orchestrator.NewService(reg, cfg.MinReadySegments, log, orchestrator.WithMetrics(met))
	h := orchestrator.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(reg.ActiveStreamCount())
			met.SetActiveMixers(reg.ActiveMixerCount())
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			"port", cfg.Port,
			"segment_time_limit", cfg.SegmentTimeLimit.String(),
			"max_segments", cfg.MaxSegments,
			"storage", string(storage),
			"log_level", cfg.LogLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		reg.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
