package snapshots

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by tests.
type MemStore struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]*Snapshot
	stats     map[uuid.UUID]map[string]*TemplateStats
	cursors   map[string]*BackfillCursor
	now       func() time.Time
}

// NewMem creates an empty in-memory store.
func NewMem() *MemStore {
	return &MemStore{
		snapshots: make(map[uuid.UUID]*Snapshot),
		stats:     make(map[uuid.UUID]map[string]*TemplateStats),
		cursors:   make(map[string]*BackfillCursor),
		now:       time.Now,
	}
}

// SetClock overrides the store's clock in tests.
func (m *MemStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemStore) CreateSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.UpdatedAt = m.now()
	m.snapshots[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSnapshot(_ context.Context, id uuid.UUID) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) UpdateProgress(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.snapshots[s.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Cursor = s.Cursor
	cur.EntryCount = s.EntryCount
	cur.AmuletTotal = s.AmuletTotal
	cur.LockedTotal = s.LockedTotal
	cur.Circulating = s.Circulating
	cur.IterationCount = s.IterationCount
	cur.RecordTime = s.RecordTime
	cur.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) SetStatus(_ context.Context, id uuid.UUID, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.ErrorMessage = errMsg
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) LatestBaseline(_ context.Context, epoch int64) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Snapshot
	for _, s := range m.snapshots {
		if s.MigrationEpoch != epoch || s.Kind != KindFull || s.Status != StatusCompleted {
			continue
		}
		if best == nil || s.RecordTime.After(best.RecordTime) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemStore) IncrementalsSince(_ context.Context, epoch int64, since time.Time) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, s := range m.snapshots {
		if s.MigrationEpoch != epoch || s.Kind != KindIncremental || s.Status != StatusCompleted {
			continue
		}
		if s.RecordTime.After(since) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordTime.Before(out[j].RecordTime) })
	return out, nil
}

func (m *MemStore) ProcessingForEpoch(_ context.Context, epoch int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if s.MigrationEpoch == epoch && s.Status == StatusProcessing {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) MostRecentAny(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Snapshot
	for _, s := range m.snapshots {
		if best == nil || s.StartedAt.After(best.StartedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemStore) SweepStale(_ context.Context, olderThan time.Duration, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var n int64
	for _, s := range m.snapshots {
		if s.Status == StatusProcessing && s.UpdatedAt.Before(cutoff) {
			s.Status = StatusTimeout
			s.ErrorMessage = message
			s.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *MemStore) UpsertTemplateStats(_ context.Context, ts *TemplateStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTemplate, ok := m.stats[ts.SnapshotID]
	if !ok {
		byTemplate = make(map[string]*TemplateStats)
		m.stats[ts.SnapshotID] = byTemplate
	}
	cp := *ts
	byTemplate[ts.TemplateID] = &cp
	return nil
}

func (m *MemStore) ListTemplateStats(_ context.Context, snapshotID uuid.UUID) ([]TemplateStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TemplateStats
	for _, ts := range m.stats[snapshotID] {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

func backfillKey(epoch int64, synchronizerID string) string {
	return fmt.Sprintf("%d/%s", epoch, synchronizerID)
}

func (m *MemStore) GetBackfillCursor(_ context.Context, epoch int64, synchronizerID string) (*BackfillCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[backfillKey(epoch, synchronizerID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) UpsertBackfillCursor(_ context.Context, c *BackfillCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.UpdatedAt = m.now()
	m.cursors[backfillKey(c.MigrationEpoch, c.SynchronizerID)] = &cp
	return nil
}
