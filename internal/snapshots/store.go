package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cantonwatch/acs-indexer/pkg/decimal"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("snapshots: not found")

// Store is the metadata surface the scheduler, sweeper and reconstructor
// read and write.
type Store interface {
	CreateSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error)
	UpdateProgress(ctx context.Context, s *Snapshot) error
	SetStatus(ctx context.Context, id uuid.UUID, status, errMsg string) error
	LatestBaseline(ctx context.Context, epoch int64) (*Snapshot, error)
	IncrementalsSince(ctx context.Context, epoch int64, since time.Time) ([]Snapshot, error)
	ProcessingForEpoch(ctx context.Context, epoch int64) (bool, error)
	MostRecentAny(ctx context.Context) (*Snapshot, error)
	SweepStale(ctx context.Context, olderThan time.Duration, message string) (int64, error)

	UpsertTemplateStats(ctx context.Context, ts *TemplateStats) error
	ListTemplateStats(ctx context.Context, snapshotID uuid.UUID) ([]TemplateStats, error)

	GetBackfillCursor(ctx context.Context, epoch int64, synchronizerID string) (*BackfillCursor, error)
	UpsertBackfillCursor(ctx context.Context, c *BackfillCursor) error
}

// PG is the pgx-backed Store.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG wraps a connection pool and ensures the schema exists.
func NewPG(ctx context.Context, pool *pgxpool.Pool) (*PG, error) {
	pg := &PG{pool: pool}
	if err := pg.initializeDB(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

// initializeDB ensures the required tables exist.
func (pg *PG) initializeDB(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS acs_snapshots (
			id UUID PRIMARY KEY,
			kind TEXT NOT NULL,
			migration_epoch BIGINT NOT NULL,
			record_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			cursor BIGINT NOT NULL DEFAULT 0,
			entry_count BIGINT NOT NULL DEFAULT 0,
			amulet_total NUMERIC NOT NULL DEFAULT 0,
			locked_total NUMERIC NOT NULL DEFAULT 0,
			circulating_supply NUMERIC NOT NULL DEFAULT 0,
			previous_snapshot_id UUID,
			iteration_count INT NOT NULL DEFAULT 0,
			max_iterations INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS acs_snapshots_epoch_status_idx
			ON acs_snapshots (migration_epoch, status, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS acs_template_stats (
			snapshot_id UUID NOT NULL,
			template_id TEXT NOT NULL,
			contract_count BIGINT NOT NULL DEFAULT 0,
			field_sums JSONB NOT NULL DEFAULT '{}'::jsonb,
			status_tallies JSONB NOT NULL DEFAULT '{}'::jsonb,
			storage_path TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (snapshot_id, template_id)
		)`,
		`CREATE TABLE IF NOT EXISTS acs_backfill_cursors (
			migration_epoch BIGINT NOT NULL,
			synchronizer_id TEXT NOT NULL,
			min_time TIMESTAMPTZ NOT NULL,
			last_before TIMESTAMPTZ NOT NULL,
			complete BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (migration_epoch, synchronizer_id)
		)`,
	}

	for _, stmt := range ddl {
		if _, err := pg.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

// CreateSnapshot inserts a new snapshot row.
func (pg *PG) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	_, err := pg.pool.Exec(ctx, `
		INSERT INTO acs_snapshots
			(id, kind, migration_epoch, record_time, status, cursor, entry_count,
			 amulet_total, locked_total, circulating_supply, previous_snapshot_id,
			 iteration_count, max_iterations, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`,
		s.ID, s.Kind, s.MigrationEpoch, s.RecordTime, s.Status, s.Cursor, s.EntryCount,
		s.AmuletTotal.FixedString(), s.LockedTotal.FixedString(), s.Circulating.FixedString(),
		s.PreviousID, s.IterationCount, s.MaxIterations, s.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

const snapshotCols = `id, kind, migration_epoch, record_time, status, cursor, entry_count,
	amulet_total::text, locked_total::text, circulating_supply::text, previous_snapshot_id,
	iteration_count, max_iterations, started_at, updated_at, COALESCE(error_message, '')`

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var s Snapshot
	var amulet, locked, circ string
	err := row.Scan(
		&s.ID, &s.Kind, &s.MigrationEpoch, &s.RecordTime, &s.Status, &s.Cursor, &s.EntryCount,
		&amulet, &locked, &circ, &s.PreviousID,
		&s.IterationCount, &s.MaxIterations, &s.StartedAt, &s.UpdatedAt, &s.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.AmuletTotal = decimal.ParseOrZero(amulet)
	s.LockedTotal = decimal.ParseOrZero(locked)
	s.Circulating = decimal.ParseOrZero(circ)
	return &s, nil
}

// GetSnapshot fetches a snapshot by id.
func (pg *PG) GetSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	row := pg.pool.QueryRow(ctx, `SELECT `+snapshotCols+` FROM acs_snapshots WHERE id = $1`, id)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return s, nil
}

// UpdateProgress persists the cursor, totals and counters after a batch.
func (pg *PG) UpdateProgress(ctx context.Context, s *Snapshot) error {
	_, err := pg.pool.Exec(ctx, `
		UPDATE acs_snapshots SET
			cursor = $2,
			entry_count = $3,
			amulet_total = $4,
			locked_total = $5,
			circulating_supply = $6,
			iteration_count = $7,
			record_time = $8,
			updated_at = now()
		WHERE id = $1
	`,
		s.ID, s.Cursor, s.EntryCount,
		s.AmuletTotal.FixedString(), s.LockedTotal.FixedString(), s.Circulating.FixedString(),
		s.IterationCount, s.RecordTime,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetStatus transitions a snapshot's status, storing a diagnostic message
// for failed and timed-out runs.
func (pg *PG) SetStatus(ctx context.Context, id uuid.UUID, status, errMsg string) error {
	_, err := pg.pool.Exec(ctx, `
		UPDATE acs_snapshots SET status = $2, error_message = NULLIF($3, ''), updated_at = now()
		WHERE id = $1
	`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// LatestBaseline returns the most recent completed full snapshot for the
// epoch. Only completed rows are ever considered, so failed or stuck runs
// are invisible to readers.
func (pg *PG) LatestBaseline(ctx context.Context, epoch int64) (*Snapshot, error) {
	row := pg.pool.QueryRow(ctx, `
		SELECT `+snapshotCols+` FROM acs_snapshots
		WHERE migration_epoch = $1 AND kind = $2 AND status = $3
		ORDER BY record_time DESC LIMIT 1
	`, epoch, KindFull, StatusCompleted)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("latest baseline: %w", err)
	}
	return s, nil
}

// IncrementalsSince returns completed incremental snapshots with record time
// after since, in ascending record-time order. Replay correctness depends on
// this ordering.
func (pg *PG) IncrementalsSince(ctx context.Context, epoch int64, since time.Time) ([]Snapshot, error) {
	rows, err := pg.pool.Query(ctx, `
		SELECT `+snapshotCols+` FROM acs_snapshots
		WHERE migration_epoch = $1 AND kind = $2 AND status = $3 AND record_time > $4
		ORDER BY record_time ASC
	`, epoch, KindIncremental, StatusCompleted, since)
	if err != nil {
		return nil, fmt.Errorf("incrementals since: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incremental: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ProcessingForEpoch reports whether any snapshot for the epoch is currently
// processing.
func (pg *PG) ProcessingForEpoch(ctx context.Context, epoch int64) (bool, error) {
	var count int64
	err := pg.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM acs_snapshots WHERE migration_epoch = $1 AND status = $2
	`, epoch, StatusProcessing).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("processing for epoch: %w", err)
	}
	return count > 0, nil
}

// MostRecentAny returns the most recently started snapshot of any kind or
// status. Used by the start debounce.
func (pg *PG) MostRecentAny(ctx context.Context) (*Snapshot, error) {
	row := pg.pool.QueryRow(ctx, `
		SELECT ` + snapshotCols + ` FROM acs_snapshots ORDER BY started_at DESC LIMIT 1
	`)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("most recent snapshot: %w", err)
	}
	return s, nil
}

// SweepStale transitions processing snapshots older than the threshold to
// timeout and returns how many rows changed.
func (pg *PG) SweepStale(ctx context.Context, olderThan time.Duration, message string) (int64, error) {
	tag, err := pg.pool.Exec(ctx, `
		UPDATE acs_snapshots SET status = $1, error_message = $2, updated_at = now()
		WHERE status = $3 AND updated_at < now() - $4::interval
	`, StatusTimeout, message, StatusProcessing, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertTemplateStats writes the per-template aggregate row for a snapshot.
func (pg *PG) UpsertTemplateStats(ctx context.Context, ts *TemplateStats) error {
	sums := make(map[string]string, len(ts.FieldSums))
	for k, v := range ts.FieldSums {
		sums[k] = v.FixedString()
	}
	sumsJSON, err := json.Marshal(sums)
	if err != nil {
		return fmt.Errorf("marshal field sums: %w", err)
	}
	talliesJSON, err := json.Marshal(ts.StatusTallies)
	if err != nil {
		return fmt.Errorf("marshal status tallies: %w", err)
	}

	_, err = pg.pool.Exec(ctx, `
		INSERT INTO acs_template_stats
			(snapshot_id, template_id, contract_count, field_sums, status_tallies, storage_path)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (snapshot_id, template_id) DO UPDATE SET
			contract_count = EXCLUDED.contract_count,
			field_sums = EXCLUDED.field_sums,
			status_tallies = EXCLUDED.status_tallies,
			storage_path = EXCLUDED.storage_path
	`, ts.SnapshotID, ts.TemplateID, ts.ContractCount, sumsJSON, talliesJSON, ts.StoragePath)
	if err != nil {
		return fmt.Errorf("upsert template stats: %w", err)
	}
	return nil
}

// ListTemplateStats returns the per-template rows for a snapshot.
func (pg *PG) ListTemplateStats(ctx context.Context, snapshotID uuid.UUID) ([]TemplateStats, error) {
	rows, err := pg.pool.Query(ctx, `
		SELECT snapshot_id, template_id, contract_count, field_sums, status_tallies, storage_path
		FROM acs_template_stats WHERE snapshot_id = $1 ORDER BY template_id
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("list template stats: %w", err)
	}
	defer rows.Close()

	var out []TemplateStats
	for rows.Next() {
		var ts TemplateStats
		var sumsJSON, talliesJSON []byte
		if err := rows.Scan(&ts.SnapshotID, &ts.TemplateID, &ts.ContractCount, &sumsJSON, &talliesJSON, &ts.StoragePath); err != nil {
			return nil, fmt.Errorf("scan template stats: %w", err)
		}
		var sums map[string]string
		if err := json.Unmarshal(sumsJSON, &sums); err != nil {
			return nil, fmt.Errorf("unmarshal field sums: %w", err)
		}
		ts.FieldSums = make(map[string]decimal.Decimal, len(sums))
		for k, v := range sums {
			ts.FieldSums[k] = decimal.ParseOrZero(v)
		}
		if err := json.Unmarshal(talliesJSON, &ts.StatusTallies); err != nil {
			return nil, fmt.Errorf("unmarshal status tallies: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// GetBackfillCursor fetches the cursor for a (migration, synchronizer) pair.
func (pg *PG) GetBackfillCursor(ctx context.Context, epoch int64, synchronizerID string) (*BackfillCursor, error) {
	var c BackfillCursor
	err := pg.pool.QueryRow(ctx, `
		SELECT migration_epoch, synchronizer_id, min_time, last_before, complete, updated_at
		FROM acs_backfill_cursors WHERE migration_epoch = $1 AND synchronizer_id = $2
	`, epoch, synchronizerID).Scan(
		&c.MigrationEpoch, &c.SynchronizerID, &c.MinTime, &c.LastBefore, &c.Complete, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get backfill cursor: %w", err)
	}
	return &c, nil
}

// UpsertBackfillCursor persists the cursor after a backfill page.
func (pg *PG) UpsertBackfillCursor(ctx context.Context, c *BackfillCursor) error {
	_, err := pg.pool.Exec(ctx, `
		INSERT INTO acs_backfill_cursors
			(migration_epoch, synchronizer_id, min_time, last_before, complete, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (migration_epoch, synchronizer_id) DO UPDATE SET
			last_before = EXCLUDED.last_before,
			complete = EXCLUDED.complete,
			updated_at = now()
	`, c.MigrationEpoch, c.SynchronizerID, c.MinTime, c.LastBefore, c.Complete)
	if err != nil {
		return fmt.Errorf("upsert backfill cursor: %w", err)
	}
	return nil
}
