// Package backfill is the facade the admin API delegates to. It owns job
// creation, preview, cancellation, recovery, the rate-limit configuration,
// and cascade deletion of snapshots.
package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/distboard/distboard/internal/analytics"
	"github.com/distboard/distboard/internal/executor"
	"github.com/distboard/distboard/internal/jobstore"
	"github.com/distboard/distboard/internal/metrics"
	"github.com/distboard/distboard/internal/ratelimit"
	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/internal/timeseries"
	"github.com/distboard/distboard/internal/upstream"
	"github.com/distboard/distboard/pkg/apperr"
	"github.com/distboard/distboard/pkg/types"
)

// Options wires the service. ExecutorTuning is optional; zero values get
// the executor defaults.
type Options struct {
	Provider storage.Provider
	Store    *jobstore.Store
	Limiter  *ratelimit.Limiter
	Fetcher  upstream.Fetcher
	Computer analytics.Computer
	Index    *timeseries.Maintainer
	Metrics  *metrics.Collector
	Log      *zap.Logger

	SchemaVersion      int
	CalculationVersion int
	MaxAttempts        int
	RetryInterval      time.Duration

	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

// Service coordinates jobs. The one-active-job invariant itself lives in
// the JobStore; the service only spawns and tracks executors.
type Service struct {
	opts Options
	exec *executor.Executor

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	rlMu        sync.Mutex
	rateLimitTC types.RateLimitConfig
}

// Preview describes what a job request would process, without side effects.
type Preview struct {
	JobType          types.JobType `json:"jobType"`
	TotalUnits       int           `json:"totalUnits"`
	SkippedUnits     int           `json:"skippedUnits"`
	EstimatedSeconds int64         `json:"estimatedSeconds"`
	Dates            int           `json:"dates"`
	Entities         int           `json:"entities"`
}

// New builds the service and loads any persisted rate-limit override.
func New(ctx context.Context, opts Options, defaults types.RateLimitConfig) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		opts:        opts,
		cancels:     map[string]context.CancelFunc{},
		rateLimitTC: defaults,
	}
	if persisted, err := opts.Provider.ReadRateLimitConfig(ctx); err != nil {
		return nil, err
	} else if persisted != nil {
		s.rateLimitTC = *persisted
	}
	opts.Limiter.SetConfig(ratelimit.FromTypes(s.rateLimitTC))

	s.exec = executor.New(executor.Options{
		Store:              opts.Store,
		Provider:           opts.Provider,
		Limiter:            opts.Limiter,
		Fetcher:            opts.Fetcher,
		Computer:           opts.Computer,
		Index:              opts.Index,
		Metrics:            opts.Metrics,
		Log:                opts.Log.Named("executor"),
		SchemaVersion:      opts.SchemaVersion,
		CalculationVersion: opts.CalculationVersion,
		MaxAttempts:        opts.MaxAttempts,
		RetryInterval:      opts.RetryInterval,
	})
	return s, nil
}

// ============================================================================
// Job lifecycle
// ============================================================================

// CreateRequest is a validated job creation request.
type CreateRequest struct {
	JobType      types.JobType
	StartDate    string
	EndDate      string
	EntityIDs    []string
	SkipExisting bool
}

func (s *Service) validate(req CreateRequest) error {
	if req.JobType != types.JobDataCollection && req.JobType != types.JobAnalyticsGeneration {
		return apperr.Newf(apperr.CodeInvalidJobType, "unknown job type %q", req.JobType)
	}
	start, err := types.ParseDate(req.StartDate)
	if err != nil {
		return apperr.Newf(apperr.CodeValidation, "startDate must be YYYY-MM-DD, got %q", req.StartDate)
	}
	end, err := types.ParseDate(req.EndDate)
	if err != nil {
		return apperr.Newf(apperr.CodeValidation, "endDate must be YYYY-MM-DD, got %q", req.EndDate)
	}
	if end.Before(start) {
		return apperr.Newf(apperr.CodeInvalidDateRange, "endDate %s before startDate %s", req.EndDate, req.StartDate)
	}
	if req.JobType == types.JobDataCollection {
		today, _ := types.ParseDate(types.FormatDate(s.opts.Now()))
		if !end.Before(today) {
			return apperr.New(apperr.CodeInvalidDateRange, "endDate must be strictly before today for data collection")
		}
		if len(req.EntityIDs) == 0 {
			return apperr.New(apperr.CodeValidation, "entityIds must not be empty for data collection")
		}
	}
	return nil
}

// Create validates the request, registers a pending job (which enforces
// the one-active-job invariant), spawns its executor, and returns
// immediately.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Job, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	job := &types.Job{
		JobID: uuid.NewString(),
		Type:  req.JobType,
		Config: types.JobConfig{
			StartDate:    req.StartDate,
			EndDate:      req.EndDate,
			EntityIDs:    req.EntityIDs,
			SkipExisting: req.SkipExisting,
		},
	}
	if err := s.opts.Store.Create(ctx, job); err != nil {
		return nil, err
	}
	s.spawn(job.JobID, false)
	s.opts.Log.Info("job created",
		zap.String("jobId", job.JobID),
		zap.String("jobType", string(req.JobType)),
		zap.String("range", req.StartDate+".."+req.EndDate))
	return s.opts.Store.Get(job.JobID), nil
}

func (s *Service) spawn(jobID string, resuming bool) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, jobID)
			s.mu.Unlock()
			cancel()
			s.updateActiveGauge()
		}()
		s.updateActiveGauge()
		s.exec.Run(runCtx, jobID, resuming)
	}()
}

func (s *Service) updateActiveGauge() {
	if s.opts.Metrics == nil {
		return
	}
	n := 0
	if s.opts.Store.Active() != nil {
		n = 1
	}
	s.opts.Metrics.SetActiveJobs(n)
}

// Preview reports what would be processed, with no side effects.
func (s *Service) Preview(ctx context.Context, req CreateRequest) (*Preview, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	job := &types.Job{
		Type: req.JobType,
		Config: types.JobConfig{
			StartDate:    req.StartDate,
			EndDate:      req.EndDate,
			EntityIDs:    req.EntityIDs,
			SkipExisting: req.SkipExisting,
		},
	}
	plan, err := executor.BuildPlan(ctx, job, s.opts.Provider)
	if err != nil {
		return nil, err
	}

	rl := s.RateLimitConfig()
	perUnit := time.Minute / time.Duration(max(1, rl.MaxRequestsPerMinute))
	if minDelay := time.Duration(rl.MinDelayMs) * time.Millisecond; minDelay > perUnit {
		perUnit = minDelay
	}
	estimated := int64((time.Duration(len(plan.Units)) * perUnit).Seconds())
	if len(plan.Units) > 0 && estimated == 0 {
		estimated = 1
	}
	start, _ := types.ParseDate(req.StartDate)
	end, _ := types.ParseDate(req.EndDate)
	return &Preview{
		JobType:          req.JobType,
		TotalUnits:       len(plan.Units),
		SkippedUnits:     plan.Skipped,
		EstimatedSeconds: estimated,
		Dates:            int(end.Sub(start).Hours()/24) + 1,
		Entities:         len(req.EntityIDs),
	}, nil
}

// Get returns a copy of the job, or nil.
func (s *Service) Get(jobID string) *types.Job {
	return s.opts.Store.Get(jobID)
}

// List returns jobs matching the filter, newest first.
func (s *Service) List(filter jobstore.Filter) []*types.Job {
	return s.opts.Store.List(filter)
}

// Cancel requests cooperative cancellation: the executor observes the flag
// at the next unit boundary, letting any in-flight fetch complete.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	return s.opts.Store.RequestCancel(ctx, jobID)
}

// ForceCancel marks the job cancelled immediately and tears down its
// executor context; used when an executor is stuck.
func (s *Service) ForceCancel(ctx context.Context, jobID string, operator string) error {
	if err := s.opts.Store.ForceCancel(ctx, jobID); err != nil {
		return err
	}
	s.mu.Lock()
	cancel := s.cancels[jobID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.opts.Log.Warn("job force-cancelled",
		zap.String("jobId", jobID),
		zap.String("operator", operator))
	s.updateActiveGauge()
	return nil
}

// RecoverOnStartup scans persisted jobs and deterministically resolves any
// left active by a crash: running jobs move through recovering and resume
// from their checkpoint; pending jobs are started; jobs whose config no
// longer validates are failed.
func (s *Service) RecoverOnStartup(ctx context.Context) error {
	for _, job := range s.opts.Store.List(jobstore.Filter{}) {
		switch job.Status {
		case types.JobRunning:
			if err := s.opts.Store.Transition(ctx, job.JobID, types.JobRunning, types.JobRecovering, nil); err != nil {
				return err
			}
			s.recoverOrFail(ctx, job.JobID)
		case types.JobRecovering:
			// Crashed mid-recovery; try again.
			s.recoverOrFail(ctx, job.JobID)
		case types.JobPending:
			s.spawn(job.JobID, false)
			s.opts.Log.Info("restarted orphaned pending job", zap.String("jobId", job.JobID))
		}
	}
	return nil
}

func (s *Service) recoverOrFail(ctx context.Context, jobID string) {
	job := s.opts.Store.Get(jobID)
	if err := s.validate(CreateRequest{
		JobType:   job.Type,
		StartDate: job.Config.StartDate,
		EndDate:   job.Config.EndDate,
		EntityIDs: job.Config.EntityIDs,
	}); err != nil {
		if terr := s.opts.Store.Transition(ctx, jobID, types.JobRecovering, types.JobFailed, func(j *types.Job) {
			j.Error = "recovery unsupported: " + err.Error()
		}); terr != nil {
			s.opts.Log.Error("could not fail unrecoverable job",
				zap.String("jobId", jobID), zap.Error(terr))
		}
		return
	}
	s.spawn(jobID, true)
	s.opts.Log.Info("recovering job from checkpoint",
		zap.String("jobId", jobID),
		zap.String("checkpoint", job.Checkpoint))
}

// Shutdown stops executor goroutines and waits for them to exit. Jobs left
// running are picked up by RecoverOnStartup next boot.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every spawned executor has exited; tests use it to
// observe final job states.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ============================================================================
// Rate-limit configuration
// ============================================================================

// RateLimitConfig returns the current process-wide throttle settings.
func (s *Service) RateLimitConfig() types.RateLimitConfig {
	s.rlMu.Lock()
	defer s.rlMu.Unlock()
	return s.rateLimitTC
}

// RateLimitPatch is a partial update; nil fields keep current values.
type RateLimitPatch struct {
	MaxRequestsPerMinute *int     `json:"maxRequestsPerMinute,omitempty"`
	MaxConcurrent        *int     `json:"maxConcurrent,omitempty"`
	MinDelayMs           *int     `json:"minDelayMs,omitempty"`
	MaxDelayMs           *int     `json:"maxDelayMs,omitempty"`
	BackoffMultiplier    *float64 `json:"backoffMultiplier,omitempty"`
}

// UpdateRateLimit applies a validated partial update, persists it, and
// reconfigures the limiter for the next acquired token.
func (s *Service) UpdateRateLimit(ctx context.Context, patch RateLimitPatch, validate func(types.RateLimitConfig) error) (types.RateLimitConfig, error) {
	s.rlMu.Lock()
	defer s.rlMu.Unlock()

	next := s.rateLimitTC
	if patch.MaxRequestsPerMinute != nil {
		next.MaxRequestsPerMinute = *patch.MaxRequestsPerMinute
	}
	if patch.MaxConcurrent != nil {
		next.MaxConcurrent = *patch.MaxConcurrent
	}
	if patch.MinDelayMs != nil {
		next.MinDelayMs = *patch.MinDelayMs
	}
	if patch.MaxDelayMs != nil {
		next.MaxDelayMs = *patch.MaxDelayMs
	}
	if patch.BackoffMultiplier != nil {
		next.BackoffMultiplier = *patch.BackoffMultiplier
	}
	if validate != nil {
		if err := validate(next); err != nil {
			return s.rateLimitTC, apperr.Newf(apperr.CodeValidation, "invalid rate limit: %v", err)
		}
	}
	if err := s.opts.Provider.WriteRateLimitConfig(ctx, next); err != nil {
		return s.rateLimitTC, apperr.Newf(apperr.CodeStorage, "persist rate limit: %v", err)
	}
	s.rateLimitTC = next
	s.opts.Limiter.SetConfig(ratelimit.FromTypes(next))
	s.opts.Log.Info("rate limit updated",
		zap.Int("rpm", next.MaxRequestsPerMinute),
		zap.Int("maxConcurrent", next.MaxConcurrent))
	return next, nil
}

// ============================================================================
// Snapshot cascade deletion
// ============================================================================

// DeleteResult reports one snapshot's cascade deletion.
type DeleteResult struct {
	SnapshotID       string `json:"snapshotId"`
	Deleted          bool   `json:"deleted"`
	IndexPointsGone  int    `json:"indexPointsRemoved"`
	AnalyticsDeleted bool   `json:"analyticsDeleted"`
}

// DeleteSnapshots cascade-deletes each snapshot: payload, derived
// time-series points, and the analytics artefact. Deleting a snapshot that
// never existed reports deleted=false without error.
func (s *Service) DeleteSnapshots(ctx context.Context, ids []string) ([]DeleteResult, error) {
	results := make([]DeleteResult, 0, len(ids))
	for _, id := range ids {
		entities, err := s.opts.Provider.ListEntitiesInSnapshot(ctx, id)
		if err != nil {
			return results, apperr.Newf(apperr.CodeStorage, "inspect snapshot %s: %v", id, err)
		}
		deleted, err := s.opts.Provider.DeleteSnapshot(ctx, id)
		if err != nil {
			return results, apperr.Newf(apperr.CodeStorage, "delete snapshot %s: %v", id, err)
		}
		res := DeleteResult{SnapshotID: id, Deleted: deleted}
		if deleted {
			res.IndexPointsGone = s.opts.Index.RemoveSnapshot(ctx, id, entities)
			res.AnalyticsDeleted, _ = s.opts.Provider.DeleteAnalytics(ctx, id)
			if s.opts.Metrics != nil {
				s.opts.Metrics.RecordSnapshotDeleted()
			}
			s.opts.Log.Info("snapshot deleted",
				zap.String("snapshotId", id),
				zap.Int("indexPointsRemoved", res.IndexPointsGone))
		}
		results = append(results, res)
	}
	return results, nil
}

// DeleteSnapshotRange cascade-deletes every snapshot within the inclusive
// date range.
func (s *Service) DeleteSnapshotRange(ctx context.Context, startDate, endDate string) ([]DeleteResult, error) {
	metas, err := s.opts.Provider.ListSnapshotMetadata(ctx, storage.SnapshotFilter{
		StartDate: startDate,
		EndDate:   endDate,
	})
	if err != nil {
		return nil, apperr.Newf(apperr.CodeStorage, "list snapshots: %v", err)
	}
	ids := make([]string, 0, len(metas))
	for _, m := range metas {
		ids = append(ids, m.SnapshotID)
	}
	return s.DeleteSnapshots(ctx, ids)
}
