package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonwatch/acs-indexer/internal/acs"
	"github.com/cantonwatch/acs-indexer/pkg/blobstore"
)

// limitStore rejects payloads above a byte limit the way S3 rejects
// oversized objects.
type limitStore struct {
	*blobstore.MemStore
	mu        sync.Mutex
	limit     int
	rejects   int
	failPaths map[string]int // path -> times to fail with a transient error
}

func newLimitStore(limit int) *limitStore {
	return &limitStore{
		MemStore:  blobstore.NewMem(),
		limit:     limit,
		failPaths: make(map[string]int),
	}
}

func (s *limitStore) Put(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	if n := s.failPaths[path]; n > 0 {
		s.failPaths[path] = n - 1
		s.mu.Unlock()
		return errors.New("transient storage error")
	}
	// Only entry arrays get big enough to trip a size limit; manifests and
	// markers are small objects.
	if s.limit > 0 && len(data) > 0 && data[0] == '[' && len(data) > s.limit {
		s.rejects++
		s.mu.Unlock()
		return fmt.Errorf("put %s: %w", path, ErrCapacityLimit)
	}
	s.mu.Unlock()
	return s.MemStore.Put(ctx, path, data)
}

func entries(n int) []acs.Contract {
	out := make([]acs.Contract, n)
	for i := range out {
		out[i] = acs.Contract{
			ContractID: fmt.Sprintf("c%04d", i),
			TemplateID: "splice:Splice.Amulet:Amulet",
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		InitialChunkSize: 4,
		GrowAfter:        2,
		MaxRetries:       3,
		Parallelism:      2,
		InitialBackoff:   time.Millisecond,
	}
}

func TestUploadSmallArtifactDirect(t *testing.T) {
	store := newLimitStore(0)
	u := NewUploader(store, testConfig())

	n, err := u.Upload(context.Background(), "snap-1", []Artifact{{
		TemplateID: "splice:Splice.Amulet:Amulet",
		Path:       "acs/snap-1/amulet.json",
		Entries:    entries(3),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Summary, artifact, completion marker.
	data, err := store.Get(context.Background(), "acs/snap-1/amulet.json")
	require.NoError(t, err)
	var got []acs.Contract
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Len(t, got, 3)

	_, err = store.Get(context.Background(), "acs/snap-1/_summary.json")
	assert.NoError(t, err)
	_, err = store.Get(context.Background(), "acs/snap-1/_complete.json")
	assert.NoError(t, err)
}

func TestUploadChunksLargeArtifact(t *testing.T) {
	store := newLimitStore(0)
	cfg := testConfig()
	u := NewUploader(store, cfg)

	_, err := u.Upload(context.Background(), "snap-1", []Artifact{{
		TemplateID: "splice:Splice.Amulet:Amulet",
		Path:       "acs/snap-1/amulet.json",
		Entries:    entries(10),
	}})
	require.NoError(t, err)

	data, err := store.Get(context.Background(), "acs/snap-1/amulet.json")
	require.NoError(t, err)
	var manifest ChunkManifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, 10, manifest.TotalEntries)
	assert.Equal(t, len(manifest.Chunks), manifest.TotalChunks)

	// Chunks reassemble to the full entry set in index order.
	var all []acs.Contract
	for _, ref := range manifest.Chunks {
		chunkData, err := store.Get(context.Background(), ref.Path)
		require.NoError(t, err)
		var chunk []acs.Contract
		require.NoError(t, json.Unmarshal(chunkData, &chunk))
		assert.Len(t, chunk, ref.EntryCount)
		all = append(all, chunk...)
	}
	require.Len(t, all, 10)
	assert.Equal(t, "c0000", all[0].ContractID)
	assert.Equal(t, "c0009", all[9].ContractID)
}

func TestUploadHalvesOnCapacityRejection(t *testing.T) {
	// Each entry marshals to ~70 bytes; a 160-byte limit fits 2 entries but
	// not the initial 4.
	store := newLimitStore(160)
	u := NewUploader(store, testConfig())

	_, err := u.Upload(context.Background(), "snap-1", []Artifact{{
		TemplateID: "splice:Splice.Amulet:Amulet",
		Path:       "acs/snap-1/amulet.json",
		Entries:    entries(8),
	}})
	require.NoError(t, err)
	assert.Greater(t, store.rejects, 0)

	// The chunks must cover every entry exactly once.
	data, err := store.Get(context.Background(), "acs/snap-1/amulet.json")
	require.NoError(t, err)
	var manifest ChunkManifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, 8, manifest.TotalEntries)

	seen := map[string]bool{}
	for _, ref := range manifest.Chunks {
		chunkData, err := store.Get(context.Background(), ref.Path)
		require.NoError(t, err)
		var chunk []acs.Contract
		require.NoError(t, json.Unmarshal(chunkData, &chunk))
		for _, e := range chunk {
			assert.False(t, seen[e.ContractID], "duplicate entry %s", e.ContractID)
			seen[e.ContractID] = true
		}
	}
	assert.Len(t, seen, 8)
}

func TestUploadFailsAtMinimumChunkSize(t *testing.T) {
	// Nothing fits: even a single entry exceeds the limit.
	store := newLimitStore(10)
	u := NewUploader(store, testConfig())

	_, err := u.Upload(context.Background(), "snap-1", []Artifact{{
		TemplateID: "splice:Splice.Amulet:Amulet",
		Path:       "acs/snap-1/amulet.json",
		Entries:    entries(8),
	}})
	require.Error(t, err)

	var incomplete *IncompleteUploadError
	assert.ErrorAs(t, err, &incomplete)
	assert.Contains(t, incomplete.Missing, "splice:Splice.Amulet:Amulet")
}

func TestUploadRetriesTransientErrors(t *testing.T) {
	store := newLimitStore(0)
	store.failPaths["acs/snap-1/amulet.json"] = 2
	u := NewUploader(store, testConfig())

	n, err := u.Upload(context.Background(), "snap-1", []Artifact{{
		TemplateID: "splice:Splice.Amulet:Amulet",
		Path:       "acs/snap-1/amulet.json",
		Entries:    entries(2),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUploadIncompleteNamesMissing(t *testing.T) {
	store := newLimitStore(0)
	// One artifact fails past its retry budget; the other succeeds.
	store.failPaths["acs/snap-1/locked.json"] = 10
	u := NewUploader(store, testConfig())

	n, err := u.Upload(context.Background(), "snap-1", []Artifact{
		{TemplateID: "splice:Splice.Amulet:Amulet", Path: "acs/snap-1/amulet.json", Entries: entries(2)},
		{TemplateID: "splice:Splice.Amulet:LockedAmulet", Path: "acs/snap-1/locked.json", Entries: entries(2)},
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)

	var incomplete *IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"splice:Splice.Amulet:LockedAmulet"}, incomplete.Missing)

	// No completion marker on a partial upload.
	_, err = store.Get(context.Background(), "acs/snap-1/_complete.json")
	assert.Error(t, err)
}
