// Package snapshots defines the metadata records the pipeline persists
// between invocations and the Postgres store that holds them.
package snapshots

import (
	"time"

	"github.com/google/uuid"

	"github.com/cantonwatch/acs-indexer/pkg/decimal"
)

// Snapshot kinds.
const (
	KindFull        = "full"
	KindIncremental = "incremental"
)

// Snapshot statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

// Snapshot is one ACS capture run. A full snapshot is a complete ACS sweep
// at a fixed (migration, record_time); an incremental snapshot carries the
// update-log delta since the baseline it implicitly extends (the most recent
// completed full snapshot).
type Snapshot struct {
	ID             uuid.UUID
	Kind           string
	MigrationEpoch int64
	RecordTime     time.Time
	Status         string
	Cursor         int64
	EntryCount     int64
	AmuletTotal    decimal.Decimal
	LockedTotal    decimal.Decimal
	Circulating    decimal.Decimal
	PreviousID     *uuid.UUID
	IterationCount int
	MaxIterations  int
	StartedAt      time.Time
	UpdatedAt      time.Time
	ErrorMessage   string
}

// TemplateStats is the per-(snapshot, template) aggregate row. FieldSums and
// StatusTallies are keyed by discovered field name / status value. Rows are
// mutated while the owning snapshot is processing and immutable once it
// completes.
type TemplateStats struct {
	SnapshotID    uuid.UUID
	TemplateID    string
	ContractCount int64
	FieldSums     map[string]decimal.Decimal
	StatusTallies map[string]int64
	StoragePath   string
}

// BackfillCursor tracks one historical backfill sweep per
// (migration, synchronizer) pair. LastBefore advances monotonically toward
// MinTime until Complete.
type BackfillCursor struct {
	MigrationEpoch int64
	SynchronizerID string
	MinTime        time.Time
	LastBefore     time.Time
	Complete       bool
	UpdatedAt      time.Time
}
