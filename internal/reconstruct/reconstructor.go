// Package reconstruct rebuilds the current contract state for a template
// family from a baseline snapshot plus incremental snapshots replayed in
// record-time order.
package reconstruct

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cantonwatch/acs-indexer/internal/acs"
	"github.com/cantonwatch/acs-indexer/internal/artifacts"
	"github.com/cantonwatch/acs-indexer/internal/snapshots"
	"github.com/cantonwatch/acs-indexer/pkg/blobstore"
)

// ChunkConcurrency is how many manifest chunks download at once.
const ChunkConcurrency = 8

// Result is the reconstructed active set for a template family.
type Result struct {
	Contracts           map[string]acs.Contract
	BaselineID          uuid.UUID
	IncrementalsApplied int
}

// Reconstructor loads persisted snapshot artifacts and replays them.
type Reconstructor struct {
	blobs blobstore.Store
	meta  snapshots.Store
}

// New creates a Reconstructor.
func New(blobs blobstore.Store, meta snapshots.Store) *Reconstructor {
	return &Reconstructor{blobs: blobs, meta: meta}
}

// Reconstruct rebuilds the active set for templates whose id ends with
// templateSuffix. Full-snapshot entries are active by definition; every
// incremental snapshot newer than the baseline is then replayed in
// ascending record-time order. Within one incremental snapshot all created
// entries apply before archived entries; replay order across snapshots is
// the only correctness signal available here.
func (r *Reconstructor) Reconstruct(ctx context.Context, epoch int64, templateSuffix string) (*Result, error) {
	baseline, err := r.meta.LatestBaseline(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: no baseline for epoch %d: %w", epoch, err)
	}

	contracts := make(map[string]acs.Contract)

	entries, err := r.loadSnapshotEntries(ctx, baseline.ID, templateSuffix)
	if err != nil {
		return nil, fmt.Errorf("reconstruct baseline %s: %w", baseline.ID, err)
	}
	for _, e := range entries {
		contracts[e.ContractID] = e
	}

	incrementals, err := r.meta.IncrementalsSince(ctx, epoch, baseline.RecordTime)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: list incrementals: %w", err)
	}

	for _, inc := range incrementals {
		entries, err := r.loadSnapshotEntries(ctx, inc.ID, templateSuffix)
		if err != nil {
			return nil, fmt.Errorf("reconstruct incremental %s: %w", inc.ID, err)
		}

		var created, archived []acs.Contract
		for _, e := range entries {
			if e.EventType == acs.EntryArchived {
				archived = append(archived, e)
			} else {
				created = append(created, e)
			}
		}
		for _, e := range created {
			contracts[e.ContractID] = e
		}
		for _, e := range archived {
			delete(contracts, e.ContractID)
		}
	}

	slog.Debug("state reconstructed",
		"template_suffix", templateSuffix,
		"baseline_id", baseline.ID,
		"incrementals", len(incrementals),
		"active_contracts", len(contracts),
	)

	return &Result{
		Contracts:           contracts,
		BaselineID:          baseline.ID,
		IncrementalsApplied: len(incrementals),
	}, nil
}

// loadSnapshotEntries loads every artifact of a snapshot whose template
// name matches the suffix and concatenates their entries. Artifact paths
// sort by batch iteration, which preserves chronological order within a
// snapshot.
func (r *Reconstructor) loadSnapshotEntries(ctx context.Context, snapshotID uuid.UUID, templateSuffix string) ([]acs.Contract, error) {
	prefix := fmt.Sprintf("acs/%s/", snapshotID)
	paths, err := r.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Strings(paths)

	var all []acs.Contract
	for _, p := range paths {
		name := path.Base(p)
		if strings.HasPrefix(name, "_") {
			continue // summary and completion markers
		}
		if strings.Contains(name, ".chunk") {
			continue // reachable through a manifest
		}
		if !MatchesTemplate(name, templateSuffix) {
			continue
		}

		entries, err := r.loadArtifact(ctx, p)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// loadArtifact fetches one artifact and parses it as either a direct entry
// array or a chunk manifest.
func (r *Reconstructor) loadArtifact(ctx context.Context, artifactPath string) ([]acs.Contract, error) {
	data, err := r.blobs.Get(ctx, artifactPath)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", artifactPath, err)
	}

	// A manifest payload is an object with a chunks array; anything else is
	// a direct entry array.
	var manifest artifacts.ChunkManifest
	if err := json.Unmarshal(data, &manifest); err == nil && len(manifest.Chunks) > 0 {
		return r.loadManifest(ctx, artifactPath, &manifest)
	}

	var entries []acs.Contract
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", artifactPath, err)
	}
	return entries, nil
}

// loadManifest fetches all chunks referenced by a manifest with bounded
// concurrency and concatenates them in index order. Duplicate chunk paths
// are fetched once. Manifests written before every chunk finished uploading
// may be short; sibling chunk files sharing the manifest's prefix are probed
// and included as a best-effort recovery.
func (r *Reconstructor) loadManifest(ctx context.Context, manifestPath string, manifest *artifacts.ChunkManifest) ([]acs.Contract, error) {
	chunkPaths := make([]string, 0, len(manifest.Chunks))
	seen := make(map[string]struct{}, len(manifest.Chunks))
	for _, ref := range manifest.Chunks {
		if _, dup := seen[ref.Path]; dup {
			continue
		}
		seen[ref.Path] = struct{}{}
		chunkPaths = append(chunkPaths, ref.Path)
	}

	chunkPrefix := strings.TrimSuffix(manifestPath, ".json") + ".chunk"
	if siblings, err := r.blobs.List(ctx, chunkPrefix); err == nil {
		for _, p := range siblings {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			chunkPaths = append(chunkPaths, p)
			slog.Warn("manifest missing chunk recovered from listing",
				"manifest", manifestPath,
				"chunk", p,
			)
		}
	}
	sort.Strings(chunkPaths)

	// Worker pool over a shared index cursor.
	results := make([][]acs.Contract, len(chunkPaths))
	errs := make([]error, len(chunkPaths))
	var next int
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := min(ChunkConcurrency, len(chunkPaths))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				i := next
				next++
				mu.Unlock()
				if i >= len(chunkPaths) {
					return
				}

				data, err := r.blobs.Get(ctx, chunkPaths[i])
				if err != nil {
					errs[i] = fmt.Errorf("fetch chunk %s: %w", chunkPaths[i], err)
					continue
				}
				var entries []acs.Contract
				if err := json.Unmarshal(data, &entries); err != nil {
					errs[i] = fmt.Errorf("parse chunk %s: %w", chunkPaths[i], err)
					continue
				}
				results[i] = entries
			}
		}()
	}
	wg.Wait()

	var all []acs.Contract
	for i, entries := range results {
		if errs[i] != nil {
			return nil, errs[i]
		}
		all = append(all, entries...)
	}
	return all, nil
}

// MatchesTemplate reports whether an artifact file name belongs to a
// template id ending in suffix. Template ids historically used both ":" and
// "." separators; sanitized names collapse both, so matching tolerates
// either convention.
func MatchesTemplate(artifactName, suffix string) bool {
	if suffix == "" {
		return true
	}
	base := strings.TrimSuffix(artifactName, ".json")
	if i := strings.Index(base, "__i"); i >= 0 {
		base = base[:i]
	}
	want := blobstore.SanitizeTemplateID(suffix)
	return base == want || strings.HasSuffix(base, "_"+want)
}
