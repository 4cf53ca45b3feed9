package acs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cantonwatch/acs-indexer/pkg/ledger"
)

// ACSSource is the slice of the ledger client the full fetcher needs.
type ACSSource interface {
	ACSPage(ctx context.Context, migrationID int64, recordTime time.Time, after *int64, pageSize int) (*ledger.ACSPageResult, error)
}

// Fetcher pages the complete active contract set at a fixed
// (migration, record_time).
type Fetcher struct {
	source   ACSSource
	pageSize int
}

// DefaultPageSize is the number of entries requested per ACS page.
const DefaultPageSize = 2000

// NewFetcher creates a Fetcher. A pageSize of 0 selects the default.
func NewFetcher(source ACSSource, pageSize int) *Fetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Fetcher{source: source, pageSize: pageSize}
}

// FetchPages processes up to maxPages pages starting after the given
// cursor, folding entries into acc. It returns the advanced cursor and
// whether pagination is exhausted. The same accumulator may be carried
// across invocations; dedup by contract id makes re-processing a page range
// idempotent.
func (f *Fetcher) FetchPages(ctx context.Context, epoch int64, recordTime time.Time, after int64, maxPages int, acc *Accumulator) (int64, bool, error) {
	cursor := after
	for page := 0; maxPages <= 0 || page < maxPages; page++ {
		var afterArg *int64
		if cursor > 0 {
			c := cursor
			afterArg = &c
		}

		result, err := f.source.ACSPage(ctx, epoch, recordTime, afterArg, f.pageSize)
		if err != nil {
			return cursor, false, fmt.Errorf("acs page after %d: %w", cursor, err)
		}

		if len(result.CreatedEvents) == 0 {
			return cursor, true, nil
		}

		f.fold(result.CreatedEvents, acc)

		next := cursor + int64(len(result.CreatedEvents))
		if result.NextPageToken != nil {
			next = *result.NextPageToken
		}
		if next <= cursor {
			return cursor, false, fmt.Errorf("%w: cursor %d then %d", ErrNoProgress, cursor, next)
		}
		cursor = next

		slog.Debug("acs page folded",
			"epoch", epoch,
			"cursor", cursor,
			"page_entries", len(result.CreatedEvents),
			"total_entries", acc.EntryCount,
		)

		if len(result.CreatedEvents) < f.pageSize {
			return cursor, true, nil
		}
	}
	return cursor, false, nil
}

// FetchACS sweeps the entire active set in one call. The scheduler uses
// FetchPages for bounded batches; this is the unbounded convenience path.
func (f *Fetcher) FetchACS(ctx context.Context, epoch int64, recordTime time.Time) (*Accumulator, error) {
	acc := NewAccumulator()
	cursor := int64(0)
	for {
		next, done, err := f.FetchPages(ctx, epoch, recordTime, cursor, 1, acc)
		if err != nil {
			return nil, err
		}
		if done {
			return acc, nil
		}
		cursor = next
	}
}

// fold buckets a page of created events by template and accumulates counts,
// numeric field sums and per-package totals. A ledger may repeat entries at
// page boundaries; duplicates by contract id are dropped.
func (f *Fetcher) fold(events []ledger.CreatedEvent, acc *Accumulator) {
	for _, ev := range events {
		if _, dup := acc.seen[ev.ContractID]; dup {
			continue
		}
		acc.seen[ev.ContractID] = struct{}{}
		acc.EntryCount++

		b := acc.Bucket(ev.TemplateID)
		b.Contracts = append(b.Contracts, Contract{
			ContractID:      ev.ContractID,
			TemplateID:      ev.TemplateID,
			PackageName:     ev.PackageName,
			CreateArguments: ev.CreateArguments,
			CreatedAt:       ev.CreatedAt,
		})

		fields := InspectPayload(ev.CreateArguments)
		for name, sum := range fields.Sums {
			b.FieldSums[name] = b.FieldSums[name].Plus(sum)
		}
		for _, st := range fields.Statuses {
			b.StatusTallies[st]++
		}

		if !fields.PrimaryAmount.IsZero() {
			acc.AmuletTotal = acc.AmuletTotal.Plus(fields.PrimaryAmount)
			if fields.Locked {
				acc.LockedTotal = acc.LockedTotal.Plus(fields.PrimaryAmount)
			}
			acc.notePackage(ev.PackageName, fields.PrimaryAmount)
		}
	}
}
