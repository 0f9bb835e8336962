package timeseries

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/pkg/types"
)

func newTestMaintainer(t *testing.T) (*Maintainer, storage.Provider) {
	t.Helper()
	bucket, err := storage.NewLocalBucket(t.TempDir())
	require.NoError(t, err)
	provider := storage.NewProvider(bucket)
	return NewMaintainer(provider, zap.NewNop()), provider
}

func snapshotFor(date string, members map[string]int) *types.Snapshot {
	snap := &types.Snapshot{
		Metadata: types.SnapshotMetadata{
			SnapshotID: date,
			CreatedAt:  time.Now().UTC(),
			Status:     types.SnapshotSuccess,
		},
		Records: map[string]types.EntityRecord{},
	}
	for id, m := range members {
		snap.Manifest = append(snap.Manifest, id)
		snap.Records[id] = types.EntityRecord{EntityID: id, Membership: m, PaidClubs: 5}
	}
	return snap
}

func TestApplySnapshotCreatesEntries(t *testing.T) {
	m, _ := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-07-01", map[string]int{"D01": 100, "D02": 80})))

	entry, err := m.Read(ctx, "D01", "2024-2025")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Len(t, entry.DataPoints, 1)
	assert.Equal(t, 100, entry.DataPoints[0].Membership)
	assert.Equal(t, 100, entry.Summary.Start)
	assert.Equal(t, 1, entry.Summary.Count)
}

func TestApplySnapshotKeepsPointsSorted(t *testing.T) {
	m, _ := newTestMaintainer(t)
	ctx := context.Background()

	// Applied out of chronological order.
	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-08-01", map[string]int{"D01": 120})))
	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-07-01", map[string]int{"D01": 100})))
	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-09-01", map[string]int{"D01": 90})))

	entry, err := m.Read(ctx, "D01", "2024-2025")
	require.NoError(t, err)
	require.Len(t, entry.DataPoints, 3)
	assert.Equal(t, "2024-07-01", entry.DataPoints[0].SnapshotID)
	assert.Equal(t, "2024-09-01", entry.DataPoints[2].SnapshotID)
	assert.Equal(t, 100, entry.Summary.Start)
	assert.Equal(t, 90, entry.Summary.End)
	assert.Equal(t, 120, entry.Summary.Peak)
	assert.Equal(t, 90, entry.Summary.Low)
}

func TestApplySnapshotUpsertsSameDate(t *testing.T) {
	m, _ := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-07-01", map[string]int{"D01": 100})))
	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-07-01", map[string]int{"D01": 105})))

	entry, err := m.Read(ctx, "D01", "2024-2025")
	require.NoError(t, err)
	require.Len(t, entry.DataPoints, 1)
	assert.Equal(t, 105, entry.DataPoints[0].Membership)
}

func TestApplySnapshotSplitsProgramYears(t *testing.T) {
	m, _ := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-06-30", map[string]int{"D01": 95})))
	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-07-01", map[string]int{"D01": 100})))

	prev, err := m.Read(ctx, "D01", "2023-2024")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Len(t, prev.DataPoints, 1)

	cur, err := m.Read(ctx, "D01", "2024-2025")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Len(t, cur.DataPoints, 1)
}

func TestRemoveSnapshot(t *testing.T) {
	m, _ := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-07-01", map[string]int{"D01": 100, "D02": 80})))
	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-07-02", map[string]int{"D01": 110})))

	removed := m.RemoveSnapshot(ctx, "2024-07-01", []string{"D01", "D02"})
	assert.Equal(t, 2, removed)

	entry, err := m.Read(ctx, "D01", "2024-2025")
	require.NoError(t, err)
	require.Len(t, entry.DataPoints, 1)
	assert.Equal(t, "2024-07-02", entry.DataPoints[0].SnapshotID)
	assert.Equal(t, 110, entry.Summary.Start)

	// D02 is left with an empty entry and a zeroed summary.
	d02, err := m.Read(ctx, "D02", "2024-2025")
	require.NoError(t, err)
	assert.Empty(t, d02.DataPoints)
	assert.Equal(t, types.TimeSeriesSummary{}, d02.Summary)
}

func TestRemoveSnapshotScansIndexWithoutManifest(t *testing.T) {
	m, _ := newTestMaintainer(t)
	ctx := context.Background()

	require.NoError(t, m.ApplySnapshot(ctx, snapshotFor("2024-07-01", map[string]int{"D01": 100, "D02": 80})))

	// nil entity list forces the index scan path.
	removed := m.RemoveSnapshot(ctx, "2024-07-01", nil)
	assert.Equal(t, 2, removed)
}

func TestRemoveSnapshotMissingIsQuiet(t *testing.T) {
	m, _ := newTestMaintainer(t)
	removed := m.RemoveSnapshot(context.Background(), "2024-07-01", []string{"D01"})
	assert.Equal(t, 0, removed)
}
