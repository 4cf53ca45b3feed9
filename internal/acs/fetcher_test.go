package acs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonwatch/acs-indexer/pkg/ledger"
)

// fakeACS serves pages out of a fixed event list, mimicking cursor-based
// pagination.
type fakeACS struct {
	events    []ledger.CreatedEvent
	calls     int
	failCall  int // 1-based call number to fail on, 0 = never
	stuckNext bool // return a NextPageToken equal to the cursor
}

func (f *fakeACS) ACSPage(_ context.Context, _ int64, _ time.Time, after *int64, pageSize int) (*ledger.ACSPageResult, error) {
	f.calls++
	if f.failCall > 0 && f.calls == f.failCall {
		return nil, errors.New("scan unavailable")
	}

	start := int64(0)
	if after != nil {
		start = *after
	}
	if start >= int64(len(f.events)) {
		return &ledger.ACSPageResult{}, nil
	}
	end := start + int64(pageSize)
	if end > int64(len(f.events)) {
		end = int64(len(f.events))
	}
	res := &ledger.ACSPageResult{CreatedEvents: f.events[start:end]}
	if f.stuckNext {
		res.NextPageToken = &start
	}
	return res, nil
}

func amuletEvent(id, amount string) ledger.CreatedEvent {
	return ledger.CreatedEvent{
		ContractID:      id,
		TemplateID:      "splice:Splice.Amulet:Amulet",
		PackageName:     "splice-amulet",
		CreateArguments: json.RawMessage(fmt.Sprintf(`{"amount":{"initialAmount":%q}}`, amount)),
	}
}

func lockedEvent(id, amount string) ledger.CreatedEvent {
	return ledger.CreatedEvent{
		ContractID:      id,
		TemplateID:      "splice:Splice.Amulet:LockedAmulet",
		PackageName:     "splice-amulet",
		CreateArguments: json.RawMessage(fmt.Sprintf(`{"amulet":{"amount":{"initialAmount":%q}}}`, amount)),
	}
}

func TestFetchACSAggregates(t *testing.T) {
	src := &fakeACS{events: []ledger.CreatedEvent{
		amuletEvent("c1", "100"),
		amuletEvent("c2", "50.5"),
		lockedEvent("c3", "30"),
	}}

	acc, err := NewFetcher(src, 2).FetchACS(context.Background(), 0, time.Now())
	require.NoError(t, err)

	assert.Equal(t, int64(3), acc.EntryCount)
	assert.Equal(t, "180.5", acc.AmuletTotal.String())
	assert.Equal(t, "30", acc.LockedTotal.String())
	assert.Equal(t, "150.5", acc.Circulating().String())
	assert.Len(t, acc.Templates, 2)
	assert.Len(t, acc.Templates["splice:Splice.Amulet:Amulet"].Contracts, 2)
}

func TestFetchPagesBounded(t *testing.T) {
	events := make([]ledger.CreatedEvent, 10)
	for i := range events {
		events[i] = amuletEvent(fmt.Sprintf("c%d", i), "1")
	}
	src := &fakeACS{events: events}

	acc := NewAccumulator()
	f := NewFetcher(src, 2)

	// Two pages of two per invocation: cursor advances by 4, not done.
	cursor, done, err := f.FetchPages(context.Background(), 0, time.Now(), 0, 2, acc)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(4), cursor)
	assert.Equal(t, int64(4), acc.EntryCount)

	// Resuming from the cursor picks up the rest.
	cursor, done, err = f.FetchPages(context.Background(), 0, time.Now(), cursor, 0, acc)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int64(10), cursor)
	assert.Equal(t, int64(10), acc.EntryCount)
	assert.Equal(t, "10", acc.AmuletTotal.String())
}

func TestFetchPagesIdempotentReprocessing(t *testing.T) {
	src := &fakeACS{events: []ledger.CreatedEvent{
		amuletEvent("c1", "100"),
		amuletEvent("c2", "50"),
	}}

	acc := NewAccumulator()
	f := NewFetcher(src, 10)

	_, _, err := f.FetchPages(context.Background(), 0, time.Now(), 0, 1, acc)
	require.NoError(t, err)

	// Re-processing the same page range changes nothing: dedup by contract id.
	_, _, err = f.FetchPages(context.Background(), 0, time.Now(), 0, 1, acc)
	require.NoError(t, err)

	assert.Equal(t, int64(2), acc.EntryCount)
	assert.Equal(t, "150", acc.AmuletTotal.String())
}

func TestFetchPagesNoProgress(t *testing.T) {
	src := &fakeACS{
		events:    []ledger.CreatedEvent{amuletEvent("c1", "1"), amuletEvent("c2", "1")},
		stuckNext: true,
	}

	acc := NewAccumulator()
	_, _, err := NewFetcher(src, 1).FetchPages(context.Background(), 0, time.Now(), 1, 5, acc)
	assert.ErrorIs(t, err, ErrNoProgress)
}

func TestFetchPagesErrorReturnsCursor(t *testing.T) {
	events := make([]ledger.CreatedEvent, 4)
	for i := range events {
		events[i] = amuletEvent(fmt.Sprintf("c%d", i), "1")
	}
	src := &fakeACS{events: events, failCall: 2}

	acc := NewAccumulator()
	cursor, done, err := NewFetcher(src, 2).FetchPages(context.Background(), 0, time.Now(), 0, 5, acc)
	require.Error(t, err)
	assert.False(t, done)
	// The first page was folded and its cursor stands; resumption is safe.
	assert.Equal(t, int64(2), cursor)
	assert.Equal(t, int64(2), acc.EntryCount)
}

func TestFetchACSEmptySet(t *testing.T) {
	src := &fakeACS{}
	acc, err := NewFetcher(src, 100).FetchACS(context.Background(), 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.EntryCount)
	assert.True(t, acc.AmuletTotal.IsZero())
}
