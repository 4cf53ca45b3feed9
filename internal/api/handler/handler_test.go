package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cantonwatch/acs-indexer/internal/snapshots"
	"github.com/cantonwatch/acs-indexer/pkg/decimal"
)

func newTestHandler(t *testing.T) (*Handler, *snapshots.MemStore) {
	t.Helper()
	store := snapshots.NewMem()
	return NewHandler(store, nil, zap.NewNop(), "secret"), store
}

func get(t *testing.T, h *Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.NewRouter().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := get(t, h, "/api/snapshots/latest", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, h, "/api/snapshots/latest", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSnapshotDetail(t *testing.T) {
	h, store := newTestHandler(t)

	id := uuid.New()
	require.NoError(t, store.CreateSnapshot(context.Background(), &snapshots.Snapshot{
		ID:          id,
		Kind:        snapshots.KindFull,
		Status:      snapshots.StatusCompleted,
		EntryCount:  10,
		AmuletTotal: decimal.FromInt(100),
		RecordTime:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}))

	rec := get(t, h, "/api/snapshots/"+id.String(), "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, id.String(), body["id"])
	assert.Equal(t, "100.0000000000", body["amulet_total"])
	assert.Equal(t, float64(10), body["entry_count"])
}

func TestSnapshotDetailNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/snapshots/"+uuid.NewString(), "secret")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestBaseline(t *testing.T) {
	h, store := newTestHandler(t)

	old := uuid.New()
	require.NoError(t, store.CreateSnapshot(context.Background(), &snapshots.Snapshot{
		ID: old, Kind: snapshots.KindFull, Status: snapshots.StatusCompleted,
		RecordTime: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}))
	newer := uuid.New()
	require.NoError(t, store.CreateSnapshot(context.Background(), &snapshots.Snapshot{
		ID: newer, Kind: snapshots.KindFull, Status: snapshots.StatusCompleted,
		RecordTime: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
	}))

	rec := get(t, h, "/api/snapshots/latest?epoch=0", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, newer.String(), body["id"])
}

func TestLatestBaselineNone(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/api/snapshots/latest", "secret")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTemplateStats(t *testing.T) {
	h, store := newTestHandler(t)

	id := uuid.New()
	require.NoError(t, store.UpsertTemplateStats(context.Background(), &snapshots.TemplateStats{
		SnapshotID:    id,
		TemplateID:    "splice:Splice.Amulet:Amulet",
		ContractCount: 3,
		FieldSums:     map[string]decimal.Decimal{"amount.initialAmount": decimal.FromInt(42)},
		StatusTallies: map[string]int64{},
	}))

	rec := get(t, h, "/api/snapshots/"+id.String()+"/templates", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "splice:Splice.Amulet:Amulet", body[0]["template_id"])
	sums := body[0]["field_sums"].(map[string]any)
	assert.Equal(t, "42.0000000000", sums["amount.initialAmount"])
}