// Package storage implements the snapshot, time-series, and job
// persistence layer over a pluggable Bucket backend (local filesystem or
// S3-compatible object store).
//
// Layout, keyed by date:
//
//	snapshots/{YYYY-MM-DD}/metadata.json
//	snapshots/{YYYY-MM-DD}/manifest.json
//	snapshots/{YYYY-MM-DD}/entity_{id}.json
//	time-series/entity_{id}/{YYYY-YYYY}.json
//	analytics/{YYYY-MM-DD}.json
//	jobs/{job_id}.json
//	config/rate-limit.json
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/distboard/distboard/pkg/apperr"
	"github.com/distboard/distboard/pkg/types"
)

const (
	snapshotPrefix   = "snapshots"
	timeSeriesPrefix = "time-series"
	analyticsPrefix  = "analytics"
	jobsPrefix       = "jobs"
	rateLimitKey     = "config/rate-limit.json"

	metadataFile = "metadata.json"
	manifestFile = "manifest.json"
)

// SnapshotFilter narrows ListSnapshotMetadata. Zero values mean "no
// constraint".
type SnapshotFilter struct {
	StartDate          string
	EndDate            string
	Status             types.SnapshotStatus
	SchemaVersion      int
	CalculationVersion int
	MinEntityCount     int
	Limit              int
}

// Provider is the storage capability set the orchestration core consumes.
// Reads of a missing key return (nil, nil), never an error. All writes are
// atomic at the object level.
type Provider interface {
	PutSnapshot(ctx context.Context, snap *types.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*types.Snapshot, error)
	GetSnapshotMetadata(ctx context.Context, id string) (*types.SnapshotMetadata, error)
	ListSnapshotMetadata(ctx context.Context, filter SnapshotFilter) ([]types.SnapshotMetadata, error)
	DeleteSnapshot(ctx context.Context, id string) (bool, error)
	ListEntitiesInSnapshot(ctx context.Context, id string) ([]string, error)

	ReadIndex(ctx context.Context, entityID, programYear string) (*types.TimeSeriesEntry, error)
	WriteIndex(ctx context.Context, entry *types.TimeSeriesEntry) error
	DeleteIndexEntry(ctx context.Context, entityID, programYear string) error
	ListIndexEntries(ctx context.Context) ([][2]string, error)

	PutJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context) ([]*types.Job, error)

	PutAnalytics(ctx context.Context, snapshotID string, payload []byte) error
	GetAnalytics(ctx context.Context, snapshotID string) ([]byte, error)
	DeleteAnalytics(ctx context.Context, snapshotID string) (bool, error)

	ReadRateLimitConfig(ctx context.Context) (*types.RateLimitConfig, error)
	WriteRateLimitConfig(ctx context.Context, cfg types.RateLimitConfig) error
}

// provider implements Provider over any Bucket.
type provider struct {
	bucket Bucket
}

// NewProvider wraps a bucket in the Provider capability set.
func NewProvider(bucket Bucket) Provider {
	return &provider{bucket: bucket}
}

func snapshotDir(id string) string     { return snapshotPrefix + "/" + id }
func entityFile(id string) string      { return "entity_" + id + ".json" }
func jobKey(id string) string          { return jobsPrefix + "/" + id + ".json" }
func analyticsKey(id string) string    { return analyticsPrefix + "/" + id + ".json" }
func indexKey(entity, py string) string {
	return timeSeriesPrefix + "/entity_" + entity + "/" + py + ".json"
}

// ============================================================================
// Snapshots
// ============================================================================

// PutSnapshot stages the snapshot under a temporary prefix keyed by a
// write-attempt UUID, then finalizes with a rename that lands
// metadata.json last. Readers require metadata.json, so a partial commit
// is never observable. Rewriting an identical snapshot is a no-op;
// rewriting a non-failed snapshot with different content conflicts.
func (p *provider) PutSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if snap.Metadata.SnapshotID == "" {
		return apperr.New(apperr.CodeValidation, "snapshot id is empty")
	}
	hash, err := contentHash(snap)
	if err != nil {
		return err
	}
	snap.Metadata.ContentHash = hash
	snap.Metadata.EntityCount = len(snap.Manifest)

	existing, err := p.GetSnapshotMetadata(ctx, snap.Metadata.SnapshotID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status != types.SnapshotFailed {
		if existing.ContentHash == hash {
			return nil // idempotent rewrite
		}
		return apperr.Newf(apperr.CodeSnapshotConflict,
			"snapshot %s already exists with status %s", snap.Metadata.SnapshotID, existing.Status)
	}

	staging := snapshotPrefix + "/.staging-" + uuid.NewString()
	write := func(name string, v interface{}) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrapf(err, "marshal %s", name)
		}
		return p.bucket.WriteFile(ctx, staging+"/"+name, data)
	}

	for id, rec := range snap.Records {
		if err := write(entityFile(id), rec); err != nil {
			p.bucket.DeleteFiles(ctx, staging)
			return errors.Wrap(err, "stage entity record")
		}
	}
	if err := write(manifestFile, snap.Manifest); err != nil {
		p.bucket.DeleteFiles(ctx, staging)
		return errors.Wrap(err, "stage manifest")
	}
	if err := write(metadataFile, snap.Metadata); err != nil {
		p.bucket.DeleteFiles(ctx, staging)
		return errors.Wrap(err, "stage metadata")
	}

	// A failed snapshot in the target slot is discarded before commit.
	if existing != nil {
		if err := p.bucket.DeleteFiles(ctx, snapshotDir(snap.Metadata.SnapshotID)); err != nil {
			p.bucket.DeleteFiles(ctx, staging)
			return errors.Wrap(err, "clear failed snapshot")
		}
	}
	if err := p.bucket.RenamePrefix(ctx, staging, snapshotDir(snap.Metadata.SnapshotID), metadataFile); err != nil {
		p.bucket.DeleteFiles(ctx, staging)
		return errors.Wrap(err, "commit snapshot")
	}
	return nil
}

func (p *provider) GetSnapshot(ctx context.Context, id string) (*types.Snapshot, error) {
	meta, err := p.GetSnapshotMetadata(ctx, id)
	if err != nil || meta == nil {
		return nil, err
	}
	snap := &types.Snapshot{Metadata: *meta, Records: map[string]types.EntityRecord{}}

	raw, err := p.bucket.ReadFile(ctx, snapshotDir(id)+"/"+manifestFile)
	if err != nil && !p.bucket.IsNotExist(err) {
		return nil, errors.Wrap(err, "read manifest")
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &snap.Manifest); err != nil {
			return nil, errors.Wrap(err, "decode manifest")
		}
	}

	for _, entityID := range snap.Manifest {
		data, err := p.bucket.ReadFile(ctx, snapshotDir(id)+"/"+entityFile(entityID))
		if err != nil {
			if p.bucket.IsNotExist(err) {
				// Tolerated for partial snapshots; the entity appears in
				// metadata errors instead.
				continue
			}
			return nil, errors.Wrapf(err, "read entity %s", entityID)
		}
		var rec types.EntityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errors.Wrapf(err, "decode entity %s", entityID)
		}
		snap.Records[entityID] = rec
	}
	return snap, nil
}

func (p *provider) GetSnapshotMetadata(ctx context.Context, id string) (*types.SnapshotMetadata, error) {
	raw, err := p.bucket.ReadFile(ctx, snapshotDir(id)+"/"+metadataFile)
	if err != nil {
		if p.bucket.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read snapshot %s metadata", id)
	}
	var meta types.SnapshotMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s metadata", id)
	}
	return &meta, nil
}

func (p *provider) ListSnapshotMetadata(ctx context.Context, filter SnapshotFilter) ([]types.SnapshotMetadata, error) {
	keys, err := p.bucket.ListFiles(ctx, snapshotPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	var ids []string
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 || parts[2] != metadataFile || strings.HasPrefix(parts[1], ".staging-") {
			continue
		}
		ids = append(ids, parts[1])
	}
	sort.Strings(ids)

	var out []types.SnapshotMetadata
	for _, id := range ids {
		if filter.StartDate != "" && id < filter.StartDate {
			continue
		}
		if filter.EndDate != "" && id > filter.EndDate {
			continue
		}
		meta, err := p.GetSnapshotMetadata(ctx, id)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			continue
		}
		if filter.Status != "" && meta.Status != filter.Status {
			continue
		}
		if filter.SchemaVersion != 0 && meta.SchemaVersion != filter.SchemaVersion {
			continue
		}
		if filter.CalculationVersion != 0 && meta.CalculationVersion != filter.CalculationVersion {
			continue
		}
		if meta.EntityCount < filter.MinEntityCount {
			continue
		}
		out = append(out, *meta)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (p *provider) DeleteSnapshot(ctx context.Context, id string) (bool, error) {
	meta, err := p.GetSnapshotMetadata(ctx, id)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	if err := p.bucket.DeleteFiles(ctx, snapshotDir(id)); err != nil {
		return false, errors.Wrapf(err, "delete snapshot %s", id)
	}
	return true, nil
}

func (p *provider) ListEntitiesInSnapshot(ctx context.Context, id string) ([]string, error) {
	raw, err := p.bucket.ReadFile(ctx, snapshotDir(id)+"/"+manifestFile)
	if err != nil {
		if p.bucket.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read snapshot %s manifest", id)
	}
	var manifest []string
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s manifest", id)
	}
	return manifest, nil
}

func contentHash(snap *types.Snapshot) (string, error) {
	manifest := append([]string(nil), snap.Manifest...)
	sort.Strings(manifest)
	h := sha256.New()
	for _, entityID := range manifest {
		fmt.Fprintf(h, "%s\n", entityID)
		if rec, ok := snap.Records[entityID]; ok {
			data, err := json.Marshal(rec)
			if err != nil {
				return "", errors.Wrap(err, "hash entity record")
			}
			h.Write(data)
		}
	}
	fmt.Fprintf(h, "status=%s", snap.Metadata.Status)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ============================================================================
// Time-series index
// ============================================================================

func (p *provider) ReadIndex(ctx context.Context, entityID, programYear string) (*types.TimeSeriesEntry, error) {
	raw, err := p.bucket.ReadFile(ctx, indexKey(entityID, programYear))
	if err != nil {
		if p.bucket.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read index %s/%s", entityID, programYear)
	}
	var entry types.TimeSeriesEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, errors.Wrapf(err, "decode index %s/%s", entityID, programYear)
	}
	return &entry, nil
}

func (p *provider) WriteIndex(ctx context.Context, entry *types.TimeSeriesEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal index entry")
	}
	return p.bucket.WriteFile(ctx, indexKey(entry.EntityID, entry.ProgramYear), data)
}

func (p *provider) DeleteIndexEntry(ctx context.Context, entityID, programYear string) error {
	return p.bucket.DeleteFile(ctx, indexKey(entityID, programYear))
}

// ListIndexEntries returns every (entityID, programYear) pair that has an
// index file.
func (p *provider) ListIndexEntries(ctx context.Context) ([][2]string, error) {
	keys, err := p.bucket.ListFiles(ctx, timeSeriesPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "list index entries")
	}
	var out [][2]string
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 || !strings.HasPrefix(parts[1], "entity_") || !strings.HasSuffix(parts[2], ".json") {
			continue
		}
		entityID := strings.TrimPrefix(parts[1], "entity_")
		py := strings.TrimSuffix(parts[2], ".json")
		out = append(out, [2]string{entityID, py})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out, nil
}

// ============================================================================
// Jobs
// ============================================================================

func (p *provider) PutJob(ctx context.Context, job *types.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return p.bucket.WriteFile(ctx, jobKey(job.JobID), data)
}

func (p *provider) GetJob(ctx context.Context, id string) (*types.Job, error) {
	raw, err := p.bucket.ReadFile(ctx, jobKey(id))
	if err != nil {
		if p.bucket.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read job %s", id)
	}
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", id)
	}
	return &job, nil
}

func (p *provider) ListJobs(ctx context.Context) ([]*types.Job, error) {
	keys, err := p.bucket.ListFiles(ctx, jobsPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	var jobs []*types.Job
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		raw, err := p.bucket.ReadFile(ctx, key)
		if err != nil {
			if p.bucket.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "read %s", key)
		}
		var job types.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, errors.Wrapf(err, "decode %s", key)
		}
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// ============================================================================
// Analytics artefacts
// ============================================================================

func (p *provider) PutAnalytics(ctx context.Context, snapshotID string, payload []byte) error {
	return p.bucket.WriteFile(ctx, analyticsKey(snapshotID), payload)
}

func (p *provider) GetAnalytics(ctx context.Context, snapshotID string) ([]byte, error) {
	raw, err := p.bucket.ReadFile(ctx, analyticsKey(snapshotID))
	if err != nil {
		if p.bucket.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read analytics %s", snapshotID)
	}
	return raw, nil
}

func (p *provider) DeleteAnalytics(ctx context.Context, snapshotID string) (bool, error) {
	raw, err := p.GetAnalytics(ctx, snapshotID)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := p.bucket.DeleteFile(ctx, analyticsKey(snapshotID)); err != nil {
		return false, errors.Wrapf(err, "delete analytics %s", snapshotID)
	}
	return true, nil
}

// ============================================================================
// Rate-limit config
// ============================================================================

func (p *provider) ReadRateLimitConfig(ctx context.Context) (*types.RateLimitConfig, error) {
	raw, err := p.bucket.ReadFile(ctx, rateLimitKey)
	if err != nil {
		if p.bucket.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read rate-limit config")
	}
	var cfg types.RateLimitConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode rate-limit config")
	}
	return &cfg, nil
}

func (p *provider) WriteRateLimitConfig(ctx context.Context, cfg types.RateLimitConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal rate-limit config")
	}
	return p.bucket.WriteFile(ctx, rateLimitKey, data)
}
