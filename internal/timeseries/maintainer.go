// Package timeseries maintains the per-entity, per-program-year index
// derived from snapshots. The maintainer is the only writer of index
// entries; updates for the same (entity, program year) key are serialized
// by a per-key lock.
package timeseries

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/pkg/types"
)

// Maintainer applies snapshot creations and deletions to the index.
type Maintainer struct {
	provider storage.Provider
	log      *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // key: entityID + "/" + programYear
}

// NewMaintainer returns a maintainer writing through the given provider.
func NewMaintainer(provider storage.Provider, log *zap.Logger) *Maintainer {
	return &Maintainer{
		provider: provider,
		log:      log,
		locks:    map[string]*sync.Mutex{},
	}
}

func (m *Maintainer) keyLock(entityID, programYear string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityID + "/" + programYear
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// ApplySnapshot upserts one data point per manifest entity into the
// snapshot's program year, re-sorts, and recomputes the summary.
func (m *Maintainer) ApplySnapshot(ctx context.Context, snap *types.Snapshot) error {
	programYear, err := types.ProgramYear(snap.Metadata.SnapshotID)
	if err != nil {
		return err
	}
	for _, entityID := range snap.Manifest {
		rec, ok := snap.Records[entityID]
		if !ok {
			// Failed entity in a partial snapshot; nothing to index.
			continue
		}
		point := types.DataPoint{
			SnapshotID:         snap.Metadata.SnapshotID,
			Membership:         rec.Membership,
			PaidClubs:          rec.PaidClubs,
			DistinguishedClubs: rec.DistinguishedClubs,
		}
		if err := m.upsertPoint(ctx, entityID, programYear, point); err != nil {
			return errors.Wrapf(err, "index entity %s", entityID)
		}
	}
	return nil
}

func (m *Maintainer) upsertPoint(ctx context.Context, entityID, programYear string, point types.DataPoint) error {
	lock := m.keyLock(entityID, programYear)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.provider.ReadIndex(ctx, entityID, programYear)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &types.TimeSeriesEntry{EntityID: entityID, ProgramYear: programYear}
	}

	replaced := false
	for i := range entry.DataPoints {
		if entry.DataPoints[i].SnapshotID == point.SnapshotID {
			entry.DataPoints[i] = point
			replaced = true
			break
		}
	}
	if !replaced {
		entry.DataPoints = append(entry.DataPoints, point)
	}
	sort.Slice(entry.DataPoints, func(i, j int) bool {
		return entry.DataPoints[i].SnapshotID < entry.DataPoints[j].SnapshotID
	})
	entry.RecomputeSummary()
	entry.UpdatedAt = time.Now().UTC()
	return m.provider.WriteIndex(ctx, entry)
}

// RemoveSnapshot filters the snapshot's data points out of every affected
// entity's entry and recomputes summaries. Index trouble is logged, never
// returned: it must not block snapshot deletion. The number of removed
// data points is returned.
func (m *Maintainer) RemoveSnapshot(ctx context.Context, snapshotID string, entityIDs []string) int {
	programYear, err := types.ProgramYear(snapshotID)
	if err != nil {
		m.log.Warn("skipping index cleanup for malformed snapshot id",
			zap.String("snapshotId", snapshotID), zap.Error(err))
		return 0
	}

	targets := entityIDs
	if targets == nil {
		// Caller has no manifest (snapshot already gone); scan the index.
		entries, err := m.provider.ListIndexEntries(ctx)
		if err != nil {
			m.log.Warn("index scan failed during cascade", zap.Error(err))
			return 0
		}
		for _, pair := range entries {
			if pair[1] == programYear {
				targets = append(targets, pair[0])
			}
		}
	}

	removed := 0
	for _, entityID := range targets {
		n, err := m.removePoint(ctx, entityID, programYear, snapshotID)
		if err != nil {
			m.log.Warn("index cleanup failed for entity",
				zap.String("entityId", entityID),
				zap.String("snapshotId", snapshotID),
				zap.Error(err))
			continue
		}
		removed += n
	}
	return removed
}

func (m *Maintainer) removePoint(ctx context.Context, entityID, programYear, snapshotID string) (int, error) {
	lock := m.keyLock(entityID, programYear)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.provider.ReadIndex(ctx, entityID, programYear)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		// Entry never existed or its file is gone; nothing to clean.
		return 0, nil
	}

	kept := entry.DataPoints[:0]
	removed := 0
	for _, p := range entry.DataPoints {
		if p.SnapshotID == snapshotID {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	if removed == 0 {
		return 0, nil
	}
	entry.DataPoints = kept
	entry.RecomputeSummary()
	entry.UpdatedAt = time.Now().UTC()
	return removed, m.provider.WriteIndex(ctx, entry)
}

// Read returns one entry, or nil when absent.
func (m *Maintainer) Read(ctx context.Context, entityID, programYear string) (*types.TimeSeriesEntry, error) {
	return m.provider.ReadIndex(ctx, entityID, programYear)
}
