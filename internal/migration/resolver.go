// Package migration discovers the ledger's current migration epoch and a
// verified ACS snapshot record time within it.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNoMigration is returned when no epoch yields a valid snapshot
// timestamp. Discovery is cheap and not retried here; callers re-run at
// their own discretion.
var ErrNoMigration = errors.New("migration: no valid migration epoch found")

// TimestampSource is the slice of the ledger client the resolver needs.
type TimestampSource interface {
	SnapshotTimestampBefore(ctx context.Context, migrationID int64, before time.Time) (time.Time, error)
}

// Resolver probes the ledger's snapshot-timestamp query.
type Resolver struct {
	source TimestampSource
	now    func() time.Time
}

// NewResolver creates a Resolver over the given source.
func NewResolver(source TimestampSource) *Resolver {
	return &Resolver{source: source, now: time.Now}
}

// DetectLatestMigration probes epochs upward from 0 until the snapshot
// timestamp query fails or returns no record time. The last epoch that
// answered is the latest.
func (r *Resolver) DetectLatestMigration(ctx context.Context) (int64, error) {
	latest := int64(-1)
	for epoch := int64(0); ; epoch++ {
		ts, err := r.source.SnapshotTimestampBefore(ctx, epoch, r.now())
		if err != nil || ts.IsZero() {
			if err != nil {
				slog.Debug("migration probe stopped", "epoch", epoch, "err", err)
			}
			break
		}
		latest = epoch
	}
	if latest < 0 {
		return 0, ErrNoMigration
	}
	slog.Info("detected latest migration epoch", "epoch", latest)
	return latest, nil
}

// ResolveSnapshotTime returns a verified snapshot record time for the epoch.
// The first query anchors on now; the result is then used as the upper bound
// of a second query. The snapshot boundary can advance between the two
// calls, and the re-queried value is the one pagination must anchor on.
func (r *Resolver) ResolveSnapshotTime(ctx context.Context, epoch int64) (time.Time, error) {
	first, err := r.source.SnapshotTimestampBefore(ctx, epoch, r.now())
	if err != nil {
		return time.Time{}, fmt.Errorf("resolve snapshot time: %w", err)
	}
	if first.IsZero() {
		return time.Time{}, fmt.Errorf("resolve snapshot time: no snapshot for epoch %d", epoch)
	}

	second, err := r.source.SnapshotTimestampBefore(ctx, epoch, first)
	if err != nil || second.IsZero() {
		// First answer stands; the verification query is best effort.
		return first, nil
	}
	if !second.Equal(first) {
		slog.Debug("snapshot boundary moved between queries",
			"epoch", epoch,
			"first", first,
			"second", second,
		)
		return second, nil
	}
	return first, nil
}
