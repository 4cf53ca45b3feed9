package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cantonwatch/acs-indexer/internal/acs"
	"github.com/cantonwatch/acs-indexer/internal/api"
	"github.com/cantonwatch/acs-indexer/internal/artifacts"
	"github.com/cantonwatch/acs-indexer/internal/config"
	"github.com/cantonwatch/acs-indexer/internal/db"
	"github.com/cantonwatch/acs-indexer/internal/listener"
	"github.com/cantonwatch/acs-indexer/internal/migration"
	"github.com/cantonwatch/acs-indexer/internal/scheduler"
	"github.com/cantonwatch/acs-indexer/internal/snapshots"
	"github.com/cantonwatch/acs-indexer/pkg/blobstore"
	"github.com/cantonwatch/acs-indexer/pkg/ledger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	slog.Info("starting acs-indexer",
		"scan_urls", len(cfg.ScanURLs),
		"ws_enabled", cfg.WSEnabled,
		"http_enabled", cfg.HTTPEnabled,
	)

	// Connect to PostgreSQL
	pool, err := db.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	store, err := snapshots.NewPG(ctx, pool)
	if err != nil {
		slog.Error("failed to initialize snapshot store", "err", err)
		os.Exit(1)
	}

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis url", "err", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// Scan API client, shared by the resolver and both fetchers
	scanClient := ledger.NewWithOpts(ledger.Opts{
		Endpoints: cfg.ScanURLs,
		RPS:       cfg.ScanRPS,
		Burst:     cfg.ScanBurst,
	})

	// Blob storage for per-template artifacts
	blobs, err := blobstore.NewS3(ctx, blobstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		slog.Error("failed to create blob store", "err", err)
		os.Exit(1)
	}

	// Create publisher
	pub, err := scheduler.NewPublisher(redisClient, cfg.SnapshotTopic)
	if err != nil {
		slog.Error("failed to create publisher", "err", err)
		os.Exit(1)
	}
	defer pub.Close()

	// Assemble the scheduler
	resolver := migration.NewResolver(scanClient)
	fetcher := acs.NewFetcher(scanClient, cfg.ACSPageSize)
	delta := acs.NewDeltaFetcher(scanClient, cfg.UpdatesPageSize)
	uploader := artifacts.NewUploader(blobs, artifacts.Config{})

	sched := scheduler.New(store, resolver, fetcher, delta, uploader, pub, scheduler.Config{
		MaxPagesPerRun:   cfg.MaxPagesPerRun,
		MaxIterations:    cfg.MaxIterations,
		DebounceInterval: cfg.DebounceInterval,
		StaleAfter:       cfg.StaleAfter,
	})

	// Create worker
	wrk, err := scheduler.NewWorker(scheduler.WorkerConfig{
		RedisClient:   redisClient,
		Scheduler:     sched,
		Topic:         cfg.SnapshotTopic,
		ConsumerGroup: cfg.ConsumerGroup,
	})
	if err != nil {
		slog.Error("failed to create worker", "err", err)
		os.Exit(1)
	}
	defer wrk.Close()

	// Run all components
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting worker")
		return wrk.Run(ctx)
	})

	g.Go(func() error {
		return sched.RunSweeper(ctx, cfg.SweepInterval)
	})

	if cfg.WSEnabled {
		g.Go(func() error {
			return startRoundListener(ctx, cfg, sched)
		})
	}

	if cfg.HTTPEnabled {
		zlog, err := zap.NewProduction()
		if err != nil {
			slog.Error("failed to create api logger", "err", err)
			os.Exit(1)
		}
		defer zlog.Sync()

		srv, err := api.NewServer(store, sched, zlog, cfg.HTTPAddr, cfg.AdminToken)
		if err != nil {
			slog.Error("failed to create api server", "err", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("indexer error", "err", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

// startRoundListener subscribes to round notifications and kicks off snapshot
// runs. Starts are automatic, so the scheduler's debounce and conflict checks
// decide whether each notification actually spawns work.
func startRoundListener(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler) error {
	lst := listener.New(listener.Config{
		URL:            cfg.WSURL,
		MaxRetries:     cfg.WSMaxRetries,
		ReconnectDelay: cfg.WSReconnectDelay,
	}, func(n listener.RoundNotification) {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		result, err := sched.StartOrResume(runCtx, nil, true)
		switch {
		case errors.Is(err, scheduler.ErrDebounced),
			errors.Is(err, scheduler.ErrSnapshotInProgress):
			slog.Debug("round notification skipped", "round", n.Round, "reason", err)
		case err != nil:
			slog.Error("snapshot start failed", "round", n.Round, "err", err)
		default:
			slog.Info("snapshot triggered by round",
				"round", n.Round,
				"snapshot_id", result.SnapshotID,
				"status", result.Status,
			)
		}
	})

	slog.Info("starting round listener", "url", cfg.WSURL)
	return lst.Run(ctx)
}
