package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdftools/internal/codec"
	cfgpkg "github.com/local/pdftools/internal/config"
	"github.com/local/pdftools/internal/dispatcher"
	"github.com/local/pdftools/internal/limiter"
	logpkg "github.com/local/pdftools/internal/logger"
	"github.com/local/pdftools/internal/metrics"
	"github.com/local/pdftools/internal/orchestrator"
	"github.com/local/pdftools/internal/pipeline"
	"github.com/local/pdftools/internal/queue"
	"github.com/local/pdftools/internal/statuscheck"
	"github.com/local/pdftools/internal/storage"
	"github.com/local/pdftools/internal/store"
)

func main() {
	if err := cfgpkg.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := cfgpkg.FromEnv()

	// Init logging
	if err := logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
	}
	defer logpkg.Close()
	metrics.Init()

	// Queue
	rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rq.Close()

	// Status store shares the queue's connection
	rs := store.NewRedisStatusFromClient(rq.Client(), cfg.Storage.ResultTTL*2)

	// Blob storage
	format, err := storage.ParseFormat(cfg.Storage.EncryptionFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid storage encryption settings")
	}
	sealer := storage.Sealer{Password: cfg.Storage.EncryptionPassword, Format: format}
	var blobs storage.Blobs
	var blobPinger statuscheck.Pinger
	switch cfg.Storage.Backend {
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s3s, err := storage.NewS3Store(ctx, cfg.Storage.Bucket, cfg.Storage.Region, cfg.Storage.Prefix, sealer)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("bucket", cfg.Storage.Bucket).Msg("failed to init s3 storage")
		}
		blobs, blobPinger = s3s, s3s
	case "redis":
		blobs = store.NewRedisBlobs(rq.Client(), cfg.Storage.ResultTTL, sealer)
	default:
		log.Fatal().Str("backend", cfg.Storage.Backend).Msg("unknown storage backend")
	}

	// Document engine
	pdf := codec.New()
	engine := pipeline.New(pdf)

	checker := statuscheck.New(statuscheck.Options{
		Redis:       rq,
		Storage:     blobPinger,
		StorageName: cfg.Storage.Backend,
		Renderer:    statuscheck.RenderCheck(pdf),
	})

	orch := orchestrator.New(orchestrator.Dependencies{
		Engine:  engine,
		Queue:   rq,
		Status:  rs,
		Blobs:   blobs,
		Checker: checker,
		Limiter: limiter.New(cfg.Server.SyncInflight),
	}, orchestrator.Config{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		DefaultQuality: cfg.Compress.DefaultQuality,
	})

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go statuscheck.ReportQueueDepths(bg, rq, 15*time.Second)

	// Dispatcher worker (optional)
	var disp *dispatcher.Worker
	if cfg.Worker.Enabled {
		disp = dispatcher.New(dispatcher.Config{
			Concurrency:    cfg.Worker.Concurrency,
			JobTimeout:     cfg.Worker.JobTimeout,
			CancelPoll:     cfg.Worker.CancelPoll,
			MaxAttempts:    cfg.Worker.JobMaxAttempts,
			DefaultQuality: cfg.Compress.DefaultQuality,
		}, rq, rs, blobs, engine)
		disp.Start()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      orch.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("env", cfg.Environment).Str("storage", cfg.Storage.Backend).Bool("dispatcher", cfg.Worker.Enabled).Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if disp != nil {
		if err := disp.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("dispatcher did not drain before timeout")
		}
	}
	stopBackground()
	log.Info().Msg("shutdown complete")
}
