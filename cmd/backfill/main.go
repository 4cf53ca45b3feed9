package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cantonwatch/acs-indexer/internal/acs"
	"github.com/cantonwatch/acs-indexer/internal/backfill"
	"github.com/cantonwatch/acs-indexer/internal/config"
	"github.com/cantonwatch/acs-indexer/internal/db"
	"github.com/cantonwatch/acs-indexer/internal/snapshots"
	"github.com/cantonwatch/acs-indexer/pkg/blobstore"
	"github.com/cantonwatch/acs-indexer/pkg/ledger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	epoch := int64(0)
	if v := os.Getenv("BACKFILL_EPOCH"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			slog.Error("invalid BACKFILL_EPOCH", "value", v)
			os.Exit(1)
		}
		epoch = n
	}

	synchronizerID := os.Getenv("SYNCHRONIZER_ID")
	if synchronizerID == "" {
		slog.Error("SYNCHRONIZER_ID is required")
		os.Exit(1)
	}

	// How far back the sweep goes. Defaults to 30 days.
	minTime := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if v := os.Getenv("BACKFILL_MIN_TIME"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			slog.Error("invalid BACKFILL_MIN_TIME, want RFC3339", "value", v)
			os.Exit(1)
		}
		minTime = t
	}

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

	scanClient := ledger.NewWithOpts(ledger.Opts{
		Endpoints: cfg.ScanURLs,
		RPS:       cfg.ScanRPS,
		Burst:     cfg.ScanBurst,
	})

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

	// Each fully fetched page becomes one artifact keyed by the oldest entry
	// it contains, so re-runs after an interrupt overwrite rather than
	// duplicate.
	handler := func(ctx context.Context, entries []acs.Contract) error {
		data, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("marshal backfill page: %w", err)
		}
		path := fmt.Sprintf("backfill/%d/%s/%s.json",
			epoch,
			blobstore.SanitizeTemplateID(synchronizerID),
			entries[len(entries)-1].CreatedAt.UTC().Format("20060102T150405.000000"),
		)
		return blobs.Put(ctx, path, data)
	}

	bf := backfill.New(scanClient, store, handler, backfill.LoadConfig())

	result, err := bf.Run(ctx, epoch, synchronizerID, minTime)
	if err != nil {
		slog.Error("backfill failed",
			"epoch", epoch,
			"synchronizer_id", synchronizerID,
			"err", err,
		)
		os.Exit(1)
	}

	slog.Info("backfill done",
		"epoch", epoch,
		"synchronizer_id", synchronizerID,
		"pages", result.PagesProcessed,
		"entries", result.EntriesSeen,
		"complete", result.Completed,
		"duration", result.Duration,
	)
}
