package acs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cantonwatch/acs-indexer/pkg/ledger"
)

// UpdatesSource is the slice of the ledger client the delta fetcher needs.
type UpdatesSource interface {
	UpdatesPage(ctx context.Context, afterMigrationID int64, afterRecordTime time.Time, pageSize int) ([]ledger.Update, error)
}

// UpdateCursor marks a position in the update log.
type UpdateCursor struct {
	MigrationID int64
	RecordTime  time.Time
}

// DeltaFetcher pages the ledger's update log after a cursor and extracts
// the created and archived events relevant to state reconstruction.
type DeltaFetcher struct {
	source   UpdatesSource
	pageSize int
}

// DefaultUpdatePageSize is the number of updates requested per page.
const DefaultUpdatePageSize = 1000

// NewDeltaFetcher creates a DeltaFetcher. A pageSize of 0 selects the
// default.
func NewDeltaFetcher(source UpdatesSource, pageSize int) *DeltaFetcher {
	if pageSize <= 0 {
		pageSize = DefaultUpdatePageSize
	}
	return &DeltaFetcher{source: source, pageSize: pageSize}
}

// FetchUpdates pages the update log strictly after the cursor, up to
// maxPages pages. It returns extracted entries, the advanced cursor and
// whether the log is exhausted. On a page error, entries from fully
// processed pages are returned alongside the error; the caller resumes from
// the returned cursor on a later invocation.
func (d *DeltaFetcher) FetchUpdates(ctx context.Context, after UpdateCursor, maxPages int) ([]Contract, UpdateCursor, bool, error) {
	var entries []Contract
	cursor := after

	for page := 0; maxPages <= 0 || page < maxPages; page++ {
		updates, err := d.source.UpdatesPage(ctx, cursor.MigrationID, cursor.RecordTime, d.pageSize)
		if err != nil {
			return entries, cursor, false, fmt.Errorf("updates page after %s: %w", cursor.RecordTime.Format(time.RFC3339), err)
		}

		if len(updates) == 0 {
			return entries, cursor, true, nil
		}

		last := updates[len(updates)-1]
		next := UpdateCursor{MigrationID: last.MigrationID, RecordTime: last.RecordTime}
		if !next.RecordTime.After(cursor.RecordTime) && next.MigrationID == cursor.MigrationID {
			return entries, cursor, false, fmt.Errorf("%w: record time %s repeated", ErrNoProgress, cursor.RecordTime.Format(time.RFC3339))
		}

		entries = append(entries, ExtractEvents(updates)...)
		cursor = next

		slog.Debug("update page extracted",
			"record_time", cursor.RecordTime,
			"page_updates", len(updates),
			"entries", len(entries),
		)

		if len(updates) < d.pageSize {
			return entries, cursor, true, nil
		}
	}
	return entries, cursor, false, nil
}

// ExtractEvents pulls created and consuming-exercise events out of update
// event trees. All other event types are ignored. Events within an update
// are visited in event-id order so extraction is deterministic.
func ExtractEvents(updates []ledger.Update) []Contract {
	var out []Contract
	for _, u := range updates {
		ids := make([]string, 0, len(u.EventsByID))
		for id := range u.EventsByID {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			ev := u.EventsByID[id]
			switch ev.EventType {
			case ledger.EventTypeCreated:
				if ev.Created == nil {
					continue
				}
				out = append(out, Contract{
					ContractID:      ev.Created.ContractID,
					TemplateID:      ev.Created.TemplateID,
					PackageName:     ev.Created.PackageName,
					CreateArguments: ev.Created.CreateArguments,
					CreatedAt:       u.RecordTime,
					EventType:       EntryCreated,
				})
			case ledger.EventTypeExercised:
				if ev.Exercised == nil || !ev.Exercised.Consuming {
					continue
				}
				out = append(out, Contract{
					ContractID: ev.Exercised.ContractID,
					TemplateID: ev.Exercised.TemplateID,
					EventType:  EntryArchived,
				})
			}
		}
	}
	return out
}
