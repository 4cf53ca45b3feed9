package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cantonwatch/acs-indexer/internal/scheduler"
	"github.com/cantonwatch/acs-indexer/internal/snapshots"
)

// startRequest optionally names an existing snapshot to resume.
type startRequest struct {
	SnapshotID *string `json:"snapshot_id,omitempty"`
}

// snapshotView is the JSON shape snapshot rows are served as.
type snapshotView struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	MigrationEpoch int64     `json:"migration_epoch"`
	RecordTime     time.Time `json:"record_time"`
	Status         string    `json:"status"`
	Cursor         int64     `json:"cursor"`
	EntryCount     int64     `json:"entry_count"`
	AmuletTotal    string    `json:"amulet_total"`
	LockedTotal    string    `json:"locked_total"`
	Circulating    string    `json:"circulating_supply"`
	IterationCount int       `json:"iteration_count"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

func viewOf(s *snapshots.Snapshot) snapshotView {
	return snapshotView{
		ID:             s.ID.String(),
		Kind:           s.Kind,
		MigrationEpoch: s.MigrationEpoch,
		RecordTime:     s.RecordTime,
		Status:         s.Status,
		Cursor:         s.Cursor,
		EntryCount:     s.EntryCount,
		AmuletTotal:    s.AmuletTotal.FixedString(),
		LockedTotal:    s.LockedTotal.FixedString(),
		Circulating:    s.Circulating.FixedString(),
		IterationCount: s.IterationCount,
		StartedAt:      s.StartedAt,
		UpdatedAt:      s.UpdatedAt,
		ErrorMessage:   s.ErrorMessage,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// HandleStartOrResume begins a new snapshot or resumes an existing one.
func (h *Handler) HandleStartOrResume(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.Logger.Warn("bad json in start request", zap.Error(err))
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
	}

	var id *uuid.UUID
	if req.SnapshotID != nil {
		parsed, err := uuid.Parse(*req.SnapshotID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid snapshot_id"})
			return
		}
		id = &parsed
	}

	// Operator-initiated starts bypass the auto-trigger debounce.
	result, err := h.Scheduler.StartOrResume(r.Context(), id, false)
	switch {
	case errors.Is(err, scheduler.ErrSnapshotInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, snapshots.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot not found"})
		return
	case err != nil:
		h.Logger.Error("start-or-resume failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleSnapshotDetail returns one snapshot's status, including any stored
// failure diagnostic.
func (h *Handler) HandleSnapshotDetail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid snapshot id"})
		return
	}

	snap, err := h.Store.GetSnapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, snapshots.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot not found"})
			return
		}
		h.Logger.Error("failed to load snapshot", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, viewOf(snap))
}

// HandleLatestBaseline returns the active baseline for an epoch
// (query param: ?epoch=N).
func (h *Handler) HandleLatestBaseline(w http.ResponseWriter, r *http.Request) {
	epoch := int64(0)
	if v := r.URL.Query().Get("epoch"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid epoch"})
			return
		}
		epoch = n
	}

	snap, err := h.Store.LatestBaseline(r.Context(), epoch)
	if err != nil {
		if errors.Is(err, snapshots.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no completed baseline"})
			return
		}
		h.Logger.Error("failed to load baseline", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, viewOf(snap))
}

// HandleTemplateStats returns the per-template aggregates of a snapshot.
func (h *Handler) HandleTemplateStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid snapshot id"})
		return
	}

	stats, err := h.Store.ListTemplateStats(r.Context(), id)
	if err != nil {
		h.Logger.Error("failed to list template stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type statsView struct {
		TemplateID    string            `json:"template_id"`
		ContractCount int64             `json:"contract_count"`
		FieldSums     map[string]string `json:"field_sums"`
		StatusTallies map[string]int64  `json:"status_tallies"`
		StoragePath   string            `json:"storage_path"`
	}
	views := make([]statsView, 0, len(stats))
	for _, ts := range stats {
		sums := make(map[string]string, len(ts.FieldSums))
		for k, v := range ts.FieldSums {
			sums[k] = v.FixedString()
		}
		views = append(views, statsView{
			TemplateID:    ts.TemplateID,
			ContractCount: ts.ContractCount,
			FieldSums:     sums,
			StatusTallies: ts.StatusTallies,
			StoragePath:   ts.StoragePath,
		})
	}

	writeJSON(w, http.StatusOK, views)
}
