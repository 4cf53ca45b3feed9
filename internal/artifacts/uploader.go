// Package artifacts persists per-template contract arrays to blob storage
// in adaptively sized, retried, verified chunks.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cantonwatch/acs-indexer/internal/acs"
	"github.com/cantonwatch/acs-indexer/pkg/blobstore"
)

// ErrCapacityLimit marks a storage rejection caused by object size. The
// uploader reacts by halving the chunk size instead of retrying the same
// payload.
var ErrCapacityLimit = errors.New("artifacts: storage capacity limit")

// IncompleteUploadError reports artifacts that never confirmed. The upload
// must fail loudly rather than complete with a partial set.
type IncompleteUploadError struct {
	Missing []string
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("artifacts: upload incomplete, missing %d artifacts: %s",
		len(e.Missing), strings.Join(e.Missing, ", "))
}

// ChunkRef locates one chunk of a sharded artifact.
type ChunkRef struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	EntryCount int    `json:"entry_count"`
}

// ChunkManifest is written in place of a direct entry array when a
// template's contract set spans multiple chunks. Readers detect it by the
// presence of the chunks array.
type ChunkManifest struct {
	TemplateID   string     `json:"template_id"`
	TotalChunks  int        `json:"total_chunks"`
	TotalEntries int        `json:"total_entries"`
	Chunks       []ChunkRef `json:"chunks"`
}

// Artifact is one per-template contract array to persist.
type Artifact struct {
	TemplateID string
	Path       string
	Entries    []acs.Contract
}

// Config tunes the uploader.
type Config struct {
	// InitialChunkSize is the starting number of entries per chunk.
	InitialChunkSize int
	// GrowAfter is how many consecutive successes grow the chunk size by
	// one. Growth is capped at twice InitialChunkSize.
	GrowAfter int
	// MaxRetries bounds per-chunk upload retries.
	MaxRetries int
	// Parallelism is how many artifacts upload concurrently.
	Parallelism int
	// InitialBackoff seeds the exponential retry backoff.
	InitialBackoff time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		InitialChunkSize: 10000,
		GrowAfter:        5,
		MaxRetries:       4,
		Parallelism:      10,
		InitialBackoff:   500 * time.Millisecond,
	}
}

// Uploader persists artifacts to a blob store.
type Uploader struct {
	store blobstore.Store
	cfg   Config
}

// NewUploader creates an Uploader. Zero config fields take defaults.
func NewUploader(store blobstore.Store, cfg Config) *Uploader {
	def := DefaultConfig()
	if cfg.InitialChunkSize <= 0 {
		cfg.InitialChunkSize = def.InitialChunkSize
	}
	if cfg.GrowAfter <= 0 {
		cfg.GrowAfter = def.GrowAfter
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	return &Uploader{store: store, cfg: cfg}
}

// summary is the metadata registered in the start phase.
type summary struct {
	SnapshotID string    `json:"snapshot_id"`
	Artifacts  []string  `json:"artifacts"`
	StartedAt  time.Time `json:"started_at"`
}

// Upload runs the three phases: start registers the snapshot's summary and
// yields the storage handle, append uploads every artifact, complete
// verifies the confirmed set against the expected set and writes the
// completion marker. It returns the number of committed artifacts.
func (u *Uploader) Upload(ctx context.Context, snapshotID string, artifacts []Artifact) (int, error) {
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		names = append(names, a.TemplateID)
	}
	sort.Strings(names)

	// start
	base := fmt.Sprintf("acs/%s", snapshotID)
	sumData, err := json.Marshal(summary{SnapshotID: snapshotID, Artifacts: names, StartedAt: time.Now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("marshal summary: %w", err)
	}
	if err := u.store.Put(ctx, base+"/_summary.json", sumData); err != nil {
		return 0, fmt.Errorf("register summary: %w", err)
	}

	// append
	var mu sync.Mutex
	uploaded := make(map[string]struct{}, len(artifacts))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Parallelism)
	for _, a := range artifacts {
		g.Go(func() error {
			if err := u.uploadArtifact(gCtx, a); err != nil {
				return fmt.Errorf("artifact %s: %w", a.TemplateID, err)
			}
			mu.Lock()
			uploaded[a.TemplateID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	uploadErr := g.Wait()

	// complete: verify the confirmed set even after an error so the gap is
	// named precisely
	var missing []string
	for _, name := range names {
		if _, ok := uploaded[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		incomplete := &IncompleteUploadError{Missing: missing}
		if uploadErr != nil {
			return len(uploaded), fmt.Errorf("%w (first error: %v)", incomplete, uploadErr)
		}
		return len(uploaded), incomplete
	}
	if uploadErr != nil {
		return len(uploaded), uploadErr
	}

	if err := u.store.Put(ctx, base+"/_complete.json", []byte(`{"complete":true}`)); err != nil {
		return len(uploaded), fmt.Errorf("write completion marker: %w", err)
	}

	slog.Info("artifacts uploaded",
		"snapshot_id", snapshotID,
		"artifacts", len(uploaded),
	)
	return len(uploaded), nil
}

// uploadArtifact writes one artifact, sharding into chunks when the entry
// array exceeds the current chunk size. Chunk size halves on a capacity
// rejection and grows by one after GrowAfter consecutive successes, capped
// at twice the starting size.
func (u *Uploader) uploadArtifact(ctx context.Context, a Artifact) error {
	chunkSize := u.cfg.InitialChunkSize
	maxChunk := 2 * u.cfg.InitialChunkSize
	successStreak := 0

	if len(a.Entries) <= chunkSize {
		data, err := json.Marshal(a.Entries)
		if err != nil {
			return fmt.Errorf("marshal entries: %w", err)
		}
		err = u.putChunk(ctx, a.Path, data)
		if err == nil {
			return nil
		}
		if !isCapacityLimit(err) {
			return err
		}
		// fall through to chunked upload with a halved size
		chunkSize = max(1, chunkSize/2)
	}

	var refs []ChunkRef
	offset := 0
	index := 0
	for offset < len(a.Entries) {
		end := min(offset+chunkSize, len(a.Entries))
		chunk := a.Entries[offset:end]
		path := chunkPath(a.Path, index)

		data, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshal chunk %d: %w", index, err)
		}

		if err := u.putChunk(ctx, path, data); err != nil {
			if isCapacityLimit(err) {
				if chunkSize <= 1 {
					return fmt.Errorf("chunk %d rejected at minimum size: %w", index, err)
				}
				chunkSize = max(1, chunkSize/2)
				successStreak = 0
				continue // re-slice the same offset at the smaller size
			}
			return fmt.Errorf("upload chunk %d: %w", index, err)
		}

		refs = append(refs, ChunkRef{Index: index, Path: path, EntryCount: len(chunk)})
		offset = end
		index++

		successStreak++
		if successStreak >= u.cfg.GrowAfter && chunkSize < maxChunk {
			chunkSize++
			successStreak = 0
		}
	}

	manifest := ChunkManifest{
		TemplateID:   a.TemplateID,
		TotalChunks:  len(refs),
		TotalEntries: len(a.Entries),
		Chunks:       refs,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := u.putChunk(ctx, a.Path, data); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	return nil
}

// putChunk uploads one object with bounded exponential-backoff retries.
// Capacity rejections are permanent here; the caller adapts the chunk size
// instead.
func (u *Uploader) putChunk(ctx context.Context, path string, data []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = u.cfg.InitialBackoff

	return backoff.Retry(func() error {
		err := u.store.Put(ctx, path, data)
		if err == nil {
			return nil
		}
		if isCapacityLimit(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("chunk upload retry", "path", path, "err", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(u.cfg.MaxRetries)), ctx))
}

// chunkPath derives a chunk object path from the artifact path.
func chunkPath(artifactPath string, index int) string {
	base := strings.TrimSuffix(artifactPath, ".json")
	return fmt.Sprintf("%s.chunk%03d.json", base, index)
}

// isCapacityLimit reports whether err is a storage size rejection.
func isCapacityLimit(err error) bool {
	if errors.Is(err, ErrCapacityLimit) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EntityTooLarge") || strings.Contains(msg, "413")
}
