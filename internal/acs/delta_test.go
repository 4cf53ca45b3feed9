package acs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonwatch/acs-indexer/pkg/ledger"
)

var baseTime = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func createdUpdate(updateID, contractID string, recordTime time.Time) ledger.Update {
	return ledger.Update{
		UpdateID:   updateID,
		RecordTime: recordTime,
		EventsByID: map[string]ledger.TreeEvent{
			"#" + updateID + ":0": {
				EventType: ledger.EventTypeCreated,
				Created: &ledger.CreatedEvent{
					ContractID:      contractID,
					TemplateID:      "splice:Splice.Amulet:Amulet",
					CreateArguments: json.RawMessage(`{"amount":{"initialAmount":"1"}}`),
				},
			},
		},
	}
}

func archivedUpdate(updateID, contractID string, recordTime time.Time) ledger.Update {
	return ledger.Update{
		UpdateID:   updateID,
		RecordTime: recordTime,
		EventsByID: map[string]ledger.TreeEvent{
			"#" + updateID + ":0": {
				EventType: ledger.EventTypeExercised,
				Exercised: &ledger.ExercisedEvent{
					ContractID: contractID,
					TemplateID: "splice:Splice.Amulet:Amulet",
					Choice:     "Archive",
					Consuming:  true,
				},
			},
		},
	}
}

// fakeUpdates serves update pages strictly after the given record time.
type fakeUpdates struct {
	updates  []ledger.Update
	calls    int
	failCall int
}

func (f *fakeUpdates) UpdatesPage(_ context.Context, _ int64, after time.Time, pageSize int) ([]ledger.Update, error) {
	f.calls++
	if f.failCall > 0 && f.calls == f.failCall {
		return nil, errors.New("scan unavailable")
	}
	var out []ledger.Update
	for _, u := range f.updates {
		if u.RecordTime.After(after) {
			out = append(out, u)
		}
		if len(out) == pageSize {
			break
		}
	}
	return out, nil
}

func TestFetchUpdates(t *testing.T) {
	src := &fakeUpdates{updates: []ledger.Update{
		createdUpdate("u1", "c1", baseTime.Add(1*time.Second)),
		archivedUpdate("u2", "c1", baseTime.Add(2*time.Second)),
		createdUpdate("u3", "c2", baseTime.Add(3*time.Second)),
	}}

	entries, cursor, done, err := NewDeltaFetcher(src, 2).FetchUpdates(context.Background(), UpdateCursor{RecordTime: baseTime}, 0)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, entries, 3)
	assert.True(t, cursor.RecordTime.Equal(baseTime.Add(3*time.Second)))

	assert.Equal(t, EntryCreated, entries[0].EventType)
	assert.Equal(t, EntryArchived, entries[1].EventType)
	assert.Equal(t, "c1", entries[1].ContractID)
}

func TestFetchUpdatesCursorStrictlyAfter(t *testing.T) {
	src := &fakeUpdates{updates: []ledger.Update{
		createdUpdate("u1", "c1", baseTime.Add(1*time.Second)),
		createdUpdate("u2", "c2", baseTime.Add(2*time.Second)),
	}}

	// Starting at u1's record time must only yield u2.
	entries, _, done, err := NewDeltaFetcher(src, 10).FetchUpdates(context.Background(), UpdateCursor{RecordTime: baseTime.Add(1 * time.Second)}, 0)
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, entries, 1)
	assert.Equal(t, "c2", entries[0].ContractID)
}

func TestFetchUpdatesBoundedPages(t *testing.T) {
	var updates []ledger.Update
	for i := 0; i < 6; i++ {
		updates = append(updates, createdUpdate(
			string(rune('a'+i)), string(rune('A'+i)), baseTime.Add(time.Duration(i+1)*time.Second)))
	}
	src := &fakeUpdates{updates: updates}

	entries, cursor, done, err := NewDeltaFetcher(src, 2).FetchUpdates(context.Background(), UpdateCursor{RecordTime: baseTime}, 2)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Len(t, entries, 4)

	// Resuming from the returned cursor yields the remainder exactly once.
	rest, _, done, err := NewDeltaFetcher(src, 2).FetchUpdates(context.Background(), cursor, 0)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, rest, 2)
}

func TestFetchUpdatesPageErrorKeepsEntries(t *testing.T) {
	src := &fakeUpdates{
		updates: []ledger.Update{
			createdUpdate("u1", "c1", baseTime.Add(1*time.Second)),
			createdUpdate("u2", "c2", baseTime.Add(2*time.Second)),
			createdUpdate("u3", "c3", baseTime.Add(3*time.Second)),
		},
		failCall: 2,
	}

	entries, cursor, done, err := NewDeltaFetcher(src, 2).FetchUpdates(context.Background(), UpdateCursor{RecordTime: baseTime}, 5)
	require.Error(t, err)
	assert.False(t, done)
	// Page one's entries and cursor survive the failure.
	assert.Len(t, entries, 2)
	assert.True(t, cursor.RecordTime.Equal(baseTime.Add(2*time.Second)))
}

func TestFetchUpdatesNoProgress(t *testing.T) {
	// A source that keeps answering with the same record time violates the
	// pagination contract.
	stuck := createdUpdate("u1", "c1", baseTime.Add(1*time.Second))
	src := &stuckUpdates{update: stuck}

	_, _, _, err := NewDeltaFetcher(src, 1).FetchUpdates(context.Background(), UpdateCursor{RecordTime: baseTime}, 5)
	assert.ErrorIs(t, err, ErrNoProgress)
}

type stuckUpdates struct {
	update ledger.Update
}

func (s *stuckUpdates) UpdatesPage(context.Context, int64, time.Time, int) ([]ledger.Update, error) {
	return []ledger.Update{s.update}, nil
}

func TestExtractEventsDeterministicOrder(t *testing.T) {
	u := ledger.Update{
		UpdateID:   "u1",
		RecordTime: baseTime,
		EventsByID: map[string]ledger.TreeEvent{
			"#u1:2": {EventType: ledger.EventTypeCreated, Created: &ledger.CreatedEvent{ContractID: "c2", TemplateID: "T"}},
			"#u1:0": {EventType: ledger.EventTypeCreated, Created: &ledger.CreatedEvent{ContractID: "c0", TemplateID: "T"}},
			"#u1:1": {EventType: "unknown_event"},
		},
	}

	entries := ExtractEvents([]ledger.Update{u})
	require.Len(t, entries, 2)
	assert.Equal(t, "c0", entries[0].ContractID)
	assert.Equal(t, "c2", entries[1].ContractID)
}

func TestExtractEventsIgnoresNonConsuming(t *testing.T) {
	u := ledger.Update{
		UpdateID:   "u1",
		RecordTime: baseTime,
		EventsByID: map[string]ledger.TreeEvent{
			"#u1:0": {EventType: ledger.EventTypeExercised, Exercised: &ledger.ExercisedEvent{
				ContractID: "c1", Choice: "Amulet_Transfer", Consuming: false,
			}},
		},
	}

	assert.Empty(t, ExtractEvents([]ledger.Update{u}))
}
