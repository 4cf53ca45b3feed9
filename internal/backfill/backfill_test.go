package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonwatch/acs-indexer/internal/acs"
	"github.com/cantonwatch/acs-indexer/internal/snapshots"
	"github.com/cantonwatch/acs-indexer/pkg/ledger"
)

var t0 = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

// fakeBackSource serves update pages newest-first before a bound.
type fakeBackSource struct {
	updates  []ledger.Update // newest first
	failCall int
	calls    int
}

func (f *fakeBackSource) UpdatesPageBefore(_ context.Context, _ int64, before time.Time, pageSize int) ([]ledger.Update, error) {
	f.calls++
	if f.failCall > 0 && f.calls == f.failCall {
		return nil, errors.New("scan unavailable")
	}
	var out []ledger.Update
	for _, u := range f.updates {
		if u.RecordTime.Before(before) {
			out = append(out, u)
		}
		if len(out) == pageSize {
			break
		}
	}
	return out, nil
}

func createdUpdate(updateID, contractID string, recordTime time.Time) ledger.Update {
	return ledger.Update{
		UpdateID:   updateID,
		RecordTime: recordTime,
		EventsByID: map[string]ledger.TreeEvent{
			"#" + updateID + ":0": {
				EventType: ledger.EventTypeCreated,
				Created:   &ledger.CreatedEvent{ContractID: contractID, TemplateID: "T"},
			},
		},
	}
}

// history builds n updates, newest first, one per hour ending at t0.
func history(n int) []ledger.Update {
	out := make([]ledger.Update, n)
	for i := 0; i < n; i++ {
		ts := t0.Add(-time.Duration(i) * time.Hour)
		out[i] = createdUpdate(
			"u"+string(rune('a'+i)),
			"c"+string(rune('a'+i)),
			ts,
		)
	}
	return out
}

type collector struct {
	mu      sync.Mutex
	entries []acs.Contract
}

func (c *collector) handle(_ context.Context, entries []acs.Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
	return nil
}

func testCfg() *Config {
	return &Config{PageSize: 2, ProgressInterval: time.Hour}
}

func TestRunSweepsToMinTime(t *testing.T) {
	src := &fakeBackSource{updates: history(5)}
	store := snapshots.NewMem()
	col := &collector{}

	bf := New(src, store, col.handle, testCfg())
	result, err := bf.Run(context.Background(), 0, "global-domain::sync", t0.Add(-10*time.Hour))
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Equal(t, uint64(5), result.EntriesSeen)
	assert.Len(t, col.entries, 5)

	cursor, err := store.GetBackfillCursor(context.Background(), 0, "global-domain::sync")
	require.NoError(t, err)
	assert.True(t, cursor.Complete)
}

func TestRunStopsAtMinTime(t *testing.T) {
	src := &fakeBackSource{updates: history(6)}
	store := snapshots.NewMem()
	col := &collector{}

	// min_time cuts the history in half; the sweep stops once the bound
	// crosses it.
	minTime := t0.Add(-2*time.Hour - time.Minute)
	bf := New(src, store, col.handle, testCfg())
	result, err := bf.Run(context.Background(), 0, "sync", minTime)
	require.NoError(t, err)

	assert.True(t, result.Completed)
	cursor, err := store.GetBackfillCursor(context.Background(), 0, "sync")
	require.NoError(t, err)
	assert.True(t, cursor.Complete)
	assert.False(t, cursor.LastBefore.After(minTime))
}

func TestRunResumesFromPersistedCursor(t *testing.T) {
	store := snapshots.NewMem()
	col := &collector{}
	minTime := t0.Add(-10 * time.Hour)

	// First run fails on the second page; the cursor persisted after page one.
	src := &fakeBackSource{updates: history(6), failCall: 2}
	bf := New(src, store, col.handle, testCfg())
	_, err := bf.Run(context.Background(), 0, "sync", minTime)
	require.Error(t, err)

	cursor, err := store.GetBackfillCursor(context.Background(), 0, "sync")
	require.NoError(t, err)
	assert.False(t, cursor.Complete)
	firstBound := cursor.LastBefore

	// Second run picks up where the first stopped and finishes the sweep.
	src2 := &fakeBackSource{updates: history(6)}
	bf2 := New(src2, store, col.handle, testCfg())
	result, err := bf2.Run(context.Background(), 0, "sync", minTime)
	require.NoError(t, err)
	assert.True(t, result.Completed)

	// No entry was handled twice.
	seen := map[string]int{}
	col.mu.Lock()
	for _, e := range col.entries {
		seen[e.ContractID]++
	}
	col.mu.Unlock()
	for id, n := range seen {
		assert.Equal(t, 1, n, "contract %s handled %d times", id, n)
	}
	assert.Len(t, seen, 6)

	cursor, err = store.GetBackfillCursor(context.Background(), 0, "sync")
	require.NoError(t, err)
	assert.True(t, cursor.LastBefore.Before(firstBound))
}

func TestRunAlreadyComplete(t *testing.T) {
	store := snapshots.NewMem()
	require.NoError(t, store.UpsertBackfillCursor(context.Background(), &snapshots.BackfillCursor{
		MigrationEpoch: 0,
		SynchronizerID: "sync",
		Complete:       true,
	}))

	src := &fakeBackSource{updates: history(3)}
	bf := New(src, store, nil, testCfg())
	result, err := bf.Run(context.Background(), 0, "sync", t0.Add(-10*time.Hour))
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Zero(t, src.calls)
}

func TestRunPageBudget(t *testing.T) {
	src := &fakeBackSource{updates: history(10)}
	store := snapshots.NewMem()
	cfg := testCfg()
	cfg.MaxPages = 2

	bf := New(src, store, nil, cfg)
	result, err := bf.Run(context.Background(), 0, "sync", t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, uint64(2), result.PagesProcessed)
}

func TestRunNoProgressFails(t *testing.T) {
	// A source whose oldest record time never moves backward violates the
	// pagination contract.
	stuck := createdUpdate("u1", "c1", t0)
	src := &stuckSource{update: stuck}
	store := snapshots.NewMem()

	bf := New(src, store, nil, testCfg())
	_, err := bf.Run(context.Background(), 0, "sync", t0.Add(-10*time.Hour))
	assert.ErrorIs(t, err, acs.ErrNoProgress)
}

type stuckSource struct {
	update ledger.Update
}

func (s *stuckSource) UpdatesPageBefore(context.Context, int64, time.Time, int) ([]ledger.Update, error) {
	return []ledger.Update{s.update}, nil
}
