// Package backfill sweeps the ledger's historical update log backward, one
// (migration, synchronizer) pair at a time. The sweep has its own cursor
// with a lifecycle independent from snapshots: last_before advances
// monotonically toward min_time until the pair is complete.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cantonwatch/acs-indexer/internal/acs"
	"github.com/cantonwatch/acs-indexer/internal/snapshots"
	"github.com/cantonwatch/acs-indexer/pkg/ledger"
)

// BackSource is the slice of the ledger client the sweep needs.
type BackSource interface {
	UpdatesPageBefore(ctx context.Context, migrationID int64, before time.Time, pageSize int) ([]ledger.Update, error)
}

// Handler receives the entries extracted from each fully fetched page.
type Handler func(ctx context.Context, entries []acs.Contract) error

// Result contains the results of a backfill run.
type Result struct {
	PagesProcessed uint64
	EntriesSeen    uint64
	Completed      bool
	Duration       time.Duration
}

// Backfiller walks one (migration, synchronizer) pair backward.
type Backfiller struct {
	source  BackSource
	store   snapshots.Store
	handler Handler
	config  *Config
}

// New creates a new Backfiller.
func New(source BackSource, store snapshots.Store, handler Handler, cfg *Config) *Backfiller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Backfiller{
		source:  source,
		store:   store,
		handler: handler,
		config:  cfg,
	}
}

// Run executes the sweep for one (epoch, synchronizer) pair until the
// cursor reaches minTime, the page budget runs out, or the context ends.
// The cursor persists after every page, so an interrupted run resumes where
// it stopped.
func (b *Backfiller) Run(ctx context.Context, epoch int64, synchronizerID string, minTime time.Time) (*Result, error) {
	start := time.Now()
	result := &Result{}

	cursor, err := b.store.GetBackfillCursor(ctx, epoch, synchronizerID)
	if errors.Is(err, snapshots.ErrNotFound) {
		cursor = &snapshots.BackfillCursor{
			MigrationEpoch: epoch,
			SynchronizerID: synchronizerID,
			MinTime:        minTime,
			LastBefore:     time.Now().UTC(),
		}
		if err := b.store.UpsertBackfillCursor(ctx, cursor); err != nil {
			return nil, fmt.Errorf("init backfill cursor: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load backfill cursor: %w", err)
	}

	if cursor.Complete {
		slog.Info("backfill already complete",
			"epoch", epoch,
			"synchronizer_id", synchronizerID,
		)
		result.Completed = true
		result.Duration = time.Since(start)
		return result, nil
	}

	slog.Info("starting backfill",
		"epoch", epoch,
		"synchronizer_id", synchronizerID,
		"last_before", cursor.LastBefore,
		"min_time", cursor.MinTime,
		"page_size", b.config.PageSize,
	)

	var pages, entries atomic.Uint64
	progressCtx, cancelProgress := context.WithCancel(ctx)
	defer cancelProgress()
	go b.reportProgress(progressCtx, cursor, &pages, &entries)

	for page := 0; b.config.MaxPages <= 0 || page < b.config.MaxPages; page++ {
		select {
		case <-ctx.Done():
			result.PagesProcessed = pages.Load()
			result.EntriesSeen = entries.Load()
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
		}

		updates, err := b.source.UpdatesPageBefore(ctx, epoch, cursor.LastBefore, b.config.PageSize)
		if err != nil {
			result.PagesProcessed = pages.Load()
			result.EntriesSeen = entries.Load()
			result.Duration = time.Since(start)
			return result, fmt.Errorf("backfill page before %s: %w", cursor.LastBefore.Format(time.RFC3339), err)
		}

		if len(updates) == 0 {
			cursor.Complete = true
		} else {
			oldest := updates[len(updates)-1].RecordTime
			if !oldest.Before(cursor.LastBefore) {
				return result, fmt.Errorf("%w: backfill bound %s did not move", acs.ErrNoProgress, cursor.LastBefore.Format(time.RFC3339))
			}

			extracted := acs.ExtractEvents(updates)
			if b.handler != nil && len(extracted) > 0 {
				if err := b.handler(ctx, extracted); err != nil {
					return result, fmt.Errorf("backfill handler: %w", err)
				}
			}

			pages.Add(1)
			entries.Add(uint64(len(extracted)))

			cursor.LastBefore = oldest
			if !cursor.LastBefore.After(cursor.MinTime) {
				cursor.Complete = true
			}
		}

		if err := b.store.UpsertBackfillCursor(ctx, cursor); err != nil {
			return result, fmt.Errorf("persist backfill cursor: %w", err)
		}

		if cursor.Complete {
			break
		}
	}

	result.PagesProcessed = pages.Load()
	result.EntriesSeen = entries.Load()
	result.Completed = cursor.Complete
	result.Duration = time.Since(start)

	slog.Info("backfill run finished",
		"epoch", epoch,
		"synchronizer_id", synchronizerID,
		"pages", result.PagesProcessed,
		"entries", result.EntriesSeen,
		"complete", result.Completed,
		"duration", result.Duration,
	)

	return result, nil
}

// reportProgress logs progress at regular intervals.
func (b *Backfiller) reportProgress(ctx context.Context, cursor *snapshots.BackfillCursor, pages, entries *atomic.Uint64) {
	ticker := time.NewTicker(b.config.ProgressInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := pages.Load()
			e := entries.Load()
			elapsed := time.Since(startTime)
			rate := float64(p) / elapsed.Seconds()

			slog.Info("backfill progress",
				"pages", p,
				"entries", e,
				"last_before", cursor.LastBefore,
				"min_time", cursor.MinTime,
				"pages_per_sec", fmt.Sprintf("%.1f", rate),
			)
		}
	}
}
