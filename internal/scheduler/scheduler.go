// Package scheduler orchestrates ACS snapshot runs as short-lived, stateless
// invocations. Progress lives in the metadata store; continuation happens by
// re-enqueueing a "continue snapshot" job, not by recursion. No invocation
// assumes any previous invocation's memory.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cantonwatch/acs-indexer/internal/acs"
	"github.com/cantonwatch/acs-indexer/internal/artifacts"
	"github.com/cantonwatch/acs-indexer/internal/snapshots"
	"github.com/cantonwatch/acs-indexer/pkg/blobstore"
	"github.com/cantonwatch/acs-indexer/pkg/decimal"
)

var (
	// ErrSnapshotInProgress rejects a start while another snapshot for the
	// same migration epoch is processing.
	ErrSnapshotInProgress = errors.New("scheduler: snapshot already processing for epoch")

	// ErrDebounced suppresses an automatic start arriving too soon after
	// the previous snapshot was created.
	ErrDebounced = errors.New("scheduler: start debounced")

	// ErrMaxIterations marks a runaway resumption chain.
	ErrMaxIterations = errors.New("scheduler: iteration ceiling exceeded")
)

// EpochResolver discovers the migration epoch and snapshot record time.
type EpochResolver interface {
	DetectLatestMigration(ctx context.Context) (int64, error)
	ResolveSnapshotTime(ctx context.Context, epoch int64) (time.Time, error)
}

// ArtifactUploader persists per-template artifacts.
type ArtifactUploader interface {
	Upload(ctx context.Context, snapshotID string, arts []artifacts.Artifact) (int, error)
}

// Enqueuer schedules a continuation invocation for a snapshot.
type Enqueuer interface {
	EnqueueContinuation(ctx context.Context, snapshotID uuid.UUID) error
}

// Config tunes the scheduler.
type Config struct {
	// MaxPagesPerRun bounds how many pages one invocation processes.
	MaxPagesPerRun int
	// MaxIterations is the hard ceiling on resumptions per snapshot.
	MaxIterations int
	// DebounceInterval suppresses automatic starts after a recent one.
	DebounceInterval time.Duration
	// StaleAfter is how long a processing snapshot may sit untouched
	// before the sweep marks it timed out.
	StaleAfter time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxPagesPerRun:   40,
		MaxIterations:    500,
		DebounceInterval: 30 * time.Second,
		StaleAfter:       30 * time.Minute,
	}
}

// Result is what the control surface reports for a start-or-resume call.
type Result struct {
	Status     string    `json:"status"`
	SnapshotID uuid.UUID `json:"snapshot_id"`
	Cursor     int64     `json:"cursor"`
}

// Scheduler drives snapshot runs.
type Scheduler struct {
	store    snapshots.Store
	resolver EpochResolver
	fetcher  *acs.Fetcher
	delta    *acs.DeltaFetcher
	uploader ArtifactUploader
	queue    Enqueuer
	cfg      Config
	now      func() time.Time
}

// New creates a Scheduler. Zero config fields take defaults.
func New(store snapshots.Store, resolver EpochResolver, fetcher *acs.Fetcher, delta *acs.DeltaFetcher, uploader ArtifactUploader, queue Enqueuer, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxPagesPerRun <= 0 {
		cfg.MaxPagesPerRun = def.MaxPagesPerRun
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	return &Scheduler{
		store:    store,
		resolver: resolver,
		fetcher:  fetcher,
		delta:    delta,
		uploader: uploader,
		queue:    queue,
		cfg:      cfg,
		now:      time.Now,
	}
}

// StartOrResume begins a new snapshot when id is nil, otherwise resumes the
// given one. This backs the control surface; auto selects the debounce rule
// for externally triggered starts.
func (s *Scheduler) StartOrResume(ctx context.Context, id *uuid.UUID, auto bool) (Result, error) {
	if id != nil {
		return s.Resume(ctx, *id)
	}
	return s.Start(ctx, auto)
}

// Start creates a new snapshot and runs its first batch. A completed
// baseline for the epoch makes the new snapshot incremental; otherwise a
// full rebuild begins. Concurrent-run prevention is pessimistic but
// check-then-insert; the debounce window covers the race at realistic
// trigger frequencies.
func (s *Scheduler) Start(ctx context.Context, auto bool) (Result, error) {
	if auto {
		if recent, err := s.store.MostRecentAny(ctx); err == nil {
			if s.now().Sub(recent.StartedAt) < s.cfg.DebounceInterval {
				return Result{}, fmt.Errorf("%w: last start %s ago", ErrDebounced, s.now().Sub(recent.StartedAt).Round(time.Second))
			}
		} else if !errors.Is(err, snapshots.ErrNotFound) {
			return Result{}, err
		}
	}

	epoch, err := s.resolver.DetectLatestMigration(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("start snapshot: %w", err)
	}

	busy, err := s.store.ProcessingForEpoch(ctx, epoch)
	if err != nil {
		return Result{}, err
	}
	if busy {
		return Result{}, fmt.Errorf("%w %d", ErrSnapshotInProgress, epoch)
	}

	snap := &snapshots.Snapshot{
		ID:             uuid.New(),
		Status:         snapshots.StatusProcessing,
		MigrationEpoch: epoch,
		MaxIterations:  s.cfg.MaxIterations,
		StartedAt:      s.now(),
	}

	baseline, err := s.store.LatestBaseline(ctx, epoch)
	switch {
	case err == nil:
		snap.Kind = snapshots.KindIncremental
		snap.PreviousID = &baseline.ID
		snap.RecordTime = baseline.RecordTime
	case errors.Is(err, snapshots.ErrNotFound):
		snap.Kind = snapshots.KindFull
		recordTime, err := s.resolver.ResolveSnapshotTime(ctx, epoch)
		if err != nil {
			return Result{}, fmt.Errorf("start snapshot: %w", err)
		}
		snap.RecordTime = recordTime
	default:
		return Result{}, err
	}

	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return Result{}, err
	}

	slog.Info("snapshot started",
		"snapshot_id", snap.ID,
		"kind", snap.Kind,
		"epoch", epoch,
		"record_time", snap.RecordTime,
	)

	return s.runBatch(ctx, snap)
}

// Resume loads a snapshot and runs its next batch.
func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) (Result, error) {
	snap, err := s.store.GetSnapshot(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if snap.Status != snapshots.StatusProcessing {
		// Terminal snapshots are not re-run; report their state.
		return Result{Status: snap.Status, SnapshotID: snap.ID, Cursor: snap.Cursor}, nil
	}
	return s.runBatch(ctx, snap)
}

// runBatch processes one bounded invocation: up to MaxPagesPerRun pages,
// artifact upload, progress persistence, then either completion or a
// continuation job. Page errors end the invocation after persisting the
// fully processed pages; the queue redelivers and the next invocation picks
// up from the stored cursor.
func (s *Scheduler) runBatch(ctx context.Context, snap *snapshots.Snapshot) (Result, error) {
	snap.IterationCount++
	if snap.IterationCount > snap.MaxIterations {
		msg := fmt.Sprintf("iteration ceiling %d exceeded", snap.MaxIterations)
		if err := s.store.SetStatus(ctx, snap.ID, snapshots.StatusFailed, msg); err != nil {
			slog.Error("mark failed", "snapshot_id", snap.ID, "err", err)
		}
		return Result{Status: snapshots.StatusFailed, SnapshotID: snap.ID, Cursor: snap.Cursor},
			fmt.Errorf("%w: %s", ErrMaxIterations, msg)
	}

	var (
		done     bool
		batchErr error
	)
	acc := acs.NewAccumulator()

	if snap.Kind == snapshots.KindFull {
		var next int64
		next, done, batchErr = s.fetcher.FetchPages(ctx, snap.MigrationEpoch, snap.RecordTime, snap.Cursor, s.cfg.MaxPagesPerRun, acc)
		snap.Cursor = next
	} else {
		var entries []acs.Contract
		var next acs.UpdateCursor
		after := acs.UpdateCursor{MigrationID: snap.MigrationEpoch, RecordTime: snap.RecordTime}
		entries, next, done, batchErr = s.delta.FetchUpdates(ctx, after, s.cfg.MaxPagesPerRun)
		s.foldDelta(entries, acc)
		snap.RecordTime = next.RecordTime
		snap.Cursor = next.RecordTime.UnixMicro()
	}

	// Non-progress is a pagination contract violation, never resumed.
	if batchErr != nil && errors.Is(batchErr, acs.ErrNoProgress) {
		if err := s.store.SetStatus(ctx, snap.ID, snapshots.StatusFailed, batchErr.Error()); err != nil {
			slog.Error("mark failed", "snapshot_id", snap.ID, "err", err)
		}
		return Result{Status: snapshots.StatusFailed, SnapshotID: snap.ID, Cursor: snap.Cursor}, batchErr
	}

	// Persist what the fully processed pages produced, even when the batch
	// ended early: the cursor only covers persisted pages, so resumption is
	// idempotent.
	if persistErr := s.persistBatch(ctx, snap, acc); persistErr != nil {
		if err := s.store.SetStatus(ctx, snap.ID, snapshots.StatusFailed, persistErr.Error()); err != nil {
			slog.Error("mark failed", "snapshot_id", snap.ID, "err", err)
		}
		return Result{Status: snapshots.StatusFailed, SnapshotID: snap.ID, Cursor: snap.Cursor}, persistErr
	}

	if batchErr != nil {
		slog.Warn("batch ended early, will resume from persisted cursor",
			"snapshot_id", snap.ID,
			"cursor", snap.Cursor,
			"err", batchErr,
		)
		return Result{Status: snapshots.StatusProcessing, SnapshotID: snap.ID, Cursor: snap.Cursor}, batchErr
	}

	if done {
		if err := s.store.SetStatus(ctx, snap.ID, snapshots.StatusCompleted, ""); err != nil {
			return Result{}, err
		}
		slog.Info("snapshot completed",
			"snapshot_id", snap.ID,
			"kind", snap.Kind,
			"entries", snap.EntryCount,
			"iterations", snap.IterationCount,
			"amulet_total", snap.AmuletTotal.FixedString(),
			"locked_total", snap.LockedTotal.FixedString(),
		)
		return Result{Status: snapshots.StatusCompleted, SnapshotID: snap.ID, Cursor: snap.Cursor}, nil
	}

	if err := s.queue.EnqueueContinuation(ctx, snap.ID); err != nil {
		return Result{}, fmt.Errorf("enqueue continuation: %w", err)
	}
	slog.Info("snapshot batch done, continuation enqueued",
		"snapshot_id", snap.ID,
		"cursor", snap.Cursor,
		"iteration", snap.IterationCount,
	)
	return Result{Status: snapshots.StatusProcessing, SnapshotID: snap.ID, Cursor: snap.Cursor}, nil
}

// foldDelta buckets update-log entries by template and accumulates the same
// aggregates the full fetcher tracks. Archived events carry no payload, so
// only created entries contribute to sums; both are tallied.
func (s *Scheduler) foldDelta(entries []acs.Contract, acc *acs.Accumulator) {
	for _, e := range entries {
		acc.EntryCount++
		b := acc.Bucket(e.TemplateID)
		b.Contracts = append(b.Contracts, e)
		b.StatusTallies["event:"+e.EventType]++

		if e.EventType != acs.EntryCreated {
			continue
		}
		fields := acs.InspectPayload(e.CreateArguments)
		for name, sum := range fields.Sums {
			b.FieldSums[name] = b.FieldSums[name].Plus(sum)
		}
		if !fields.PrimaryAmount.IsZero() {
			acc.AmuletTotal = acc.AmuletTotal.Plus(fields.PrimaryAmount)
			if fields.Locked {
				acc.LockedTotal = acc.LockedTotal.Plus(fields.PrimaryAmount)
			}
		}
	}
}

// persistBatch uploads this invocation's per-template artifacts and folds
// the batch aggregates into the stored snapshot and template stats.
func (s *Scheduler) persistBatch(ctx context.Context, snap *snapshots.Snapshot, acc *acs.Accumulator) error {
	if len(acc.Templates) > 0 {
		arts := make([]artifacts.Artifact, 0, len(acc.Templates))
		for templateID, bucket := range acc.Templates {
			arts = append(arts, artifacts.Artifact{
				TemplateID: templateID,
				Path:       iterationArtifactPath(snap.ID.String(), templateID, snap.IterationCount),
				Entries:    bucket.Contracts,
			})
		}
		if _, err := s.uploader.Upload(ctx, snap.ID.String(), arts); err != nil {
			return fmt.Errorf("upload artifacts: %w", err)
		}

		existing, err := s.store.ListTemplateStats(ctx, snap.ID)
		if err != nil {
			return err
		}
		byTemplate := make(map[string]snapshots.TemplateStats, len(existing))
		for _, ts := range existing {
			byTemplate[ts.TemplateID] = ts
		}

		for templateID, bucket := range acc.Templates {
			ts, ok := byTemplate[templateID]
			if !ok {
				ts = snapshots.TemplateStats{
					SnapshotID:    snap.ID,
					TemplateID:    templateID,
					FieldSums:     map[string]decimal.Decimal{},
					StatusTallies: map[string]int64{},
					StoragePath:   blobstore.ArtifactPath(snap.ID.String(), templateID),
				}
			}
			ts.ContractCount += int64(len(bucket.Contracts))
			for name, sum := range bucket.FieldSums {
				ts.FieldSums[name] = ts.FieldSums[name].Plus(sum)
			}
			for name, n := range bucket.StatusTallies {
				ts.StatusTallies[name] += n
			}
			if err := s.store.UpsertTemplateStats(ctx, &ts); err != nil {
				return err
			}
		}
	}

	snap.EntryCount += acc.EntryCount
	snap.AmuletTotal = snap.AmuletTotal.Plus(acc.AmuletTotal)
	snap.LockedTotal = snap.LockedTotal.Plus(acc.LockedTotal)
	snap.Circulating = snap.AmuletTotal.Minus(snap.LockedTotal)

	return s.store.UpdateProgress(ctx, snap)
}

// iterationArtifactPath namespaces a template artifact by snapshot and
// batch iteration so successive invocations never overwrite each other.
func iterationArtifactPath(snapshotID, templateID string, iteration int) string {
	return fmt.Sprintf("acs/%s/%s__i%03d.json", snapshotID, blobstore.SanitizeTemplateID(templateID), iteration)
}

// SweepStale reclassifies processing snapshots stuck beyond StaleAfter as
// timed out. Data is untouched; the status flip makes readers skip them.
func (s *Scheduler) SweepStale(ctx context.Context) (int64, error) {
	msg := fmt.Sprintf("no progress for more than %s", s.cfg.StaleAfter)
	n, err := s.store.SweepStale(ctx, s.cfg.StaleAfter, msg)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("stale snapshots timed out", "count", n, "stale_after", s.cfg.StaleAfter)
	}
	return n, nil
}

// RunSweeper runs the cleanup sweep on a ticker until the context ends.
func (s *Scheduler) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepStale(ctx); err != nil {
				slog.Warn("stale sweep failed", "err", err)
			}
		}
	}
}
