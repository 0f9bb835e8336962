// Package executor runs one backfill job to completion: it plans the
// ordered work units, resumes past the checkpoint, processes units under
// the rate limiter with bounded retries, and checkpoints after every unit.
package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/distboard/distboard/internal/analytics"
	"github.com/distboard/distboard/internal/jobstore"
	"github.com/distboard/distboard/internal/metrics"
	"github.com/distboard/distboard/internal/ratelimit"
	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/internal/timeseries"
	"github.com/distboard/distboard/internal/upstream"
	"github.com/distboard/distboard/pkg/apperr"
	"github.com/distboard/distboard/pkg/types"
)

const etaSmoothing = 0.3

// Options bundles the executor's collaborators and tuning knobs.
type Options struct {
	Store    *jobstore.Store
	Provider storage.Provider
	Limiter  *ratelimit.Limiter
	Fetcher  upstream.Fetcher
	Computer analytics.Computer
	Index    *timeseries.Maintainer
	Metrics  *metrics.Collector
	Log      *zap.Logger

	SchemaVersion      int
	CalculationVersion int
	MaxAttempts        int           // bounded retry count per unit
	RetryInterval      time.Duration // initial backoff between attempts
}

// Executor processes a single job. Unit processing is sequential; upstream
// concurrency is bounded by the rate limiter, not by the executor.
type Executor struct {
	opts Options
}

// New builds an executor. Zero tuning knobs get conservative defaults.
func New(opts Options) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	return &Executor{opts: opts}
}

// runState carries the mutable bookkeeping of one Run.
type runState struct {
	plan    *Plan
	result  types.JobResult
	errs    []types.UnitError
	avgUnit float64 // exponentially smoothed unit duration, seconds
	lastETA int64

	// collection-only: records fetched for the date currently being
	// assembled, flushed as a snapshot at the date boundary.
	bufDate    string
	bufRecords map[string]types.EntityRecord
	bufErrors  []types.SnapshotError
	bufPlanned []string
}

// Run executes the job until completion, failure, or cancellation. When
// resuming a recovered job it first transitions recovering -> running.
func (e *Executor) Run(ctx context.Context, jobID string, resuming bool) {
	log := e.opts.Log.With(zap.String("jobId", jobID))

	from := types.JobPending
	if resuming {
		from = types.JobRecovering
	}
	if err := e.opts.Store.Transition(ctx, jobID, from, types.JobRunning, nil); err != nil {
		// Typically a force-cancel that won the race; nothing to run.
		log.Warn("job did not start", zap.Error(err))
		return
	}

	job := e.opts.Store.Get(jobID)
	plan, err := BuildPlan(ctx, job, e.opts.Provider)
	if err != nil {
		e.fail(ctx, jobID, errors.Wrap(err, "plan"))
		return
	}

	st := &runState{plan: plan, result: types.JobResult{Skipped: plan.Skipped}}
	if job.Result != nil {
		// Keep counts accumulated before a crash.
		st.result.Succeeded = job.Result.Succeeded
		st.result.Failed = job.Result.Failed
	}
	st.errs = append(st.errs, job.Progress.Errors...)

	start := e.resumeIndex(ctx, job, plan)
	if err := e.opts.Store.UpdateProgress(ctx, jobID, func(j *types.Job) {
		j.Progress.TotalUnits = len(plan.Units)
		j.Progress.ProcessedUnits = start
		j.Progress.Percent = percent(start, len(plan.Units))
	}); err != nil {
		e.fail(ctx, jobID, err)
		return
	}

	log.Info("job started",
		zap.String("jobType", string(job.Type)),
		zap.Int("units", len(plan.Units)),
		zap.Int("resumeAt", start),
		zap.Int("skipped", plan.Skipped))

	for i := start; i < len(plan.Units); i++ {
		if ctx.Err() != nil {
			// Process shutdown: leave the job running so startup
			// recovery resumes it from the checkpoint.
			log.Info("executor stopped by shutdown; job left for recovery")
			return
		}
		if e.opts.Store.CancelRequested(jobID) {
			e.cancelled(ctx, jobID, st)
			return
		}
		unit := plan.Units[i]
		unitStart := time.Now()

		fatal := e.processUnit(ctx, job, unit, st)
		if fatal != nil {
			e.fail(ctx, jobID, fatal)
			return
		}

		// Flush the assembled snapshot when this was the date's last unit.
		if job.Type == types.JobDataCollection && (i+1 == len(plan.Units) || plan.Units[i+1].Date != unit.Date) {
			if err := e.flushDate(ctx, st); err != nil {
				e.fail(ctx, jobID, err)
				return
			}
		}

		e.observeUnit(st, time.Since(unitStart))
		next := ""
		if i+1 < len(plan.Units) {
			next = plan.Units[i+1].Key()
		}
		// Interim counts are persisted with the checkpoint so a crash
		// between units loses no part of the final aggregate.
		interim := st.result
		if err := e.opts.Store.UpdateProgress(ctx, jobID, func(j *types.Job) {
			j.Checkpoint = next
			j.Progress.ProcessedUnits = i + 1
			j.Progress.Percent = percent(i+1, len(plan.Units))
			j.Progress.CurrentItem = next
			j.Progress.Errors = st.errs
			j.Progress.ETASeconds = e.eta(st, len(plan.Units)-(i+1))
			j.Result = &interim
		}); err != nil {
			e.fail(ctx, jobID, err)
			return
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.SetLimiterDelay(e.opts.Limiter.CurrentDelay().Seconds())
		}
	}

	result := st.result
	if err := e.opts.Store.Transition(ctx, jobID, types.JobRunning, types.JobCompleted, func(j *types.Job) {
		j.Result = &result
		j.Progress.CurrentItem = ""
		j.Progress.ETASeconds = 0
	}); err != nil {
		log.Warn("completion transition rejected", zap.Error(err))
		return
	}
	log.Info("job completed",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
}

// resumeIndex locates the first unit to process. If the checkpoint lands
// mid-date and that date's snapshot was never committed, the plan rewinds
// to the date's first unit; refetches are idempotent, so the resumed run
// converges to the same final state as an uninterrupted one.
func (e *Executor) resumeIndex(ctx context.Context, job *types.Job, plan *Plan) int {
	if job.Checkpoint == "" {
		return 0
	}
	idx := plan.IndexOf(job.Checkpoint)
	if idx < 0 {
		idx = len(plan.Units)
		for i, u := range plan.Units {
			if compareKeys(u.Key(), job.Checkpoint) >= 0 {
				idx = i
				break
			}
		}
	}
	if job.Type == types.JobDataCollection && idx > 0 && idx < len(plan.Units) {
		first := plan.FirstUnitOfDate(idx)
		if first < idx {
			meta, err := e.opts.Provider.GetSnapshotMetadata(ctx, plan.Units[idx].Date)
			if err == nil && meta == nil {
				idx = first
			}
		}
	}
	return idx
}

// processUnit handles one unit with bounded exponential retry. The
// returned error is fatal (aborts the job); per-unit failures are recorded
// in the run state and processing continues.
func (e *Executor) processUnit(ctx context.Context, job *types.Job, unit Unit, st *runState) error {
	unitStart := time.Now()
	var fatal error
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.RetryInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 && e.opts.Metrics != nil {
			e.opts.Metrics.RecordRetry()
		}
		token, err := e.opts.Limiter.Acquire(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if job.Type == types.JobDataCollection {
			err = e.collectUnit(ctx, unit, st)
		} else {
			err = e.analyticsUnit(ctx, unit)
		}
		switch {
		case err == nil:
			e.opts.Limiter.Release(token, ratelimit.OutcomeOK)
			return nil
		case errors.Is(err, upstream.ErrRateLimited):
			e.opts.Limiter.Release(token, ratelimit.OutcomeRateLimitedByUpstream)
			return err
		case errors.Is(err, upstream.ErrTransient):
			e.opts.Limiter.Release(token, ratelimit.OutcomeError)
			return err
		default:
			e.opts.Limiter.Release(token, ratelimit.OutcomeError)
			var ae *apperr.Error
			if errors.As(err, &ae) && ae.Code == apperr.CodeStorage {
				fatal = err
			}
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(e.opts.MaxAttempts-1)))
	if fatal != nil {
		return fatal
	}
	outcome := "success"
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation surfaces at the next boundary check.
			return nil
		}
		outcome = "error"
		st.result.Failed++
		st.errs = append(st.errs, types.UnitError{Unit: unit.Key(), Message: err.Error()})
		if job.Type == types.JobDataCollection {
			st.bufErrors = append(st.bufErrors, types.SnapshotError{
				EntityID: unit.EntityID,
				Message:  err.Error(),
			})
			st.bufPlanned = append(st.bufPlanned, unit.EntityID)
			st.bufDate = unit.Date
		}
		e.opts.Log.Warn("work unit failed",
			zap.String("unit", unit.Key()),
			zap.Int("attempts", attempt),
			zap.Error(err))
	} else {
		st.result.Succeeded++
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordUnit(outcome, time.Since(unitStart).Seconds())
	}
	return nil
}

// collectUnit fetches one entity for one date into the date buffer.
func (e *Executor) collectUnit(ctx context.Context, unit Unit, st *runState) error {
	rec, err := e.opts.Fetcher.Fetch(ctx, unit.Date, unit.EntityID)
	if err != nil {
		return err
	}
	if st.bufDate != unit.Date {
		st.bufDate = unit.Date
	}
	if st.bufRecords == nil {
		st.bufRecords = map[string]types.EntityRecord{}
	}
	st.bufRecords[unit.EntityID] = *rec
	st.bufPlanned = append(st.bufPlanned, unit.EntityID)
	return nil
}

// analyticsUnit computes and stores the analytics artefact for one
// existing snapshot.
func (e *Executor) analyticsUnit(ctx context.Context, unit Unit) error {
	snap, err := e.opts.Provider.GetSnapshot(ctx, unit.Date)
	if err != nil {
		return apperr.Newf(apperr.CodeStorage, "load snapshot %s: %v", unit.Date, err)
	}
	if snap == nil {
		return apperr.Newf(apperr.CodeSnapshotNotFound, "snapshot %s vanished mid-job", unit.Date)
	}
	payload, err := e.opts.Computer.Compute(ctx, snap)
	if err != nil {
		return errors.Wrapf(err, "compute analytics for %s", unit.Date)
	}
	if err := e.opts.Provider.PutAnalytics(ctx, unit.Date, payload); err != nil {
		return apperr.Newf(apperr.CodeStorage, "store analytics %s: %v", unit.Date, err)
	}
	return nil
}

// flushDate commits the buffered date as a snapshot and feeds the index.
func (e *Executor) flushDate(ctx context.Context, st *runState) error {
	if st.bufDate == "" || len(st.bufPlanned) == 0 {
		return nil
	}
	status := types.SnapshotSuccess
	if len(st.bufErrors) > 0 {
		status = types.SnapshotPartial
		if len(st.bufRecords) == 0 {
			status = types.SnapshotFailed
		}
	}
	manifest := dedupe(st.bufPlanned)
	snap := &types.Snapshot{
		Metadata: types.SnapshotMetadata{
			SnapshotID:         st.bufDate,
			CreatedAt:          time.Now().UTC(),
			SchemaVersion:      e.opts.SchemaVersion,
			CalculationVersion: e.opts.CalculationVersion,
			Status:             status,
			Errors:             st.bufErrors,
		},
		Manifest: manifest,
		Records:  st.bufRecords,
	}

	err := e.opts.Provider.PutSnapshot(ctx, snap)
	switch {
	case err == nil:
		if e.opts.Metrics != nil {
			e.opts.Metrics.RecordSnapshotWritten()
		}
		if idxErr := e.opts.Index.ApplySnapshot(ctx, snap); idxErr != nil {
			e.opts.Log.Warn("index update failed",
				zap.String("snapshotId", st.bufDate), zap.Error(idxErr))
			st.errs = append(st.errs, types.UnitError{
				Unit:    st.bufDate,
				Message: "index update failed: " + idxErr.Error(),
			})
		}
	case errors.Is(err, &apperr.Error{Code: apperr.CodeSnapshotConflict}):
		// A non-failed snapshot with different content already occupies
		// the date. Keep the stored one; note the collision and move on.
		e.opts.Log.Warn("snapshot conflict, keeping existing",
			zap.String("snapshotId", st.bufDate))
		st.errs = append(st.errs, types.UnitError{
			Unit:    st.bufDate,
			Message: err.Error(),
		})
	default:
		return apperr.Newf(apperr.CodeStorage, "commit snapshot %s: %v", st.bufDate, err)
	}

	st.bufDate = ""
	st.bufRecords = nil
	st.bufErrors = nil
	st.bufPlanned = nil
	return nil
}

// cancelled finalizes a cooperatively cancelled run. The partially
// assembled date buffer is discarded: its units will not be committed, and
// the checkpoint already names the next unprocessed unit.
func (e *Executor) cancelled(ctx context.Context, jobID string, st *runState) {
	result := st.result
	err := e.opts.Store.Transition(ctx, jobID, types.JobRunning, types.JobCancelled, func(j *types.Job) {
		j.Result = &result
	})
	if err != nil {
		// Force-cancel already moved the job to a terminal state.
		e.opts.Log.Debug("cancel transition skipped", zap.String("jobId", jobID), zap.Error(err))
	}
	e.opts.Log.Info("job cancelled", zap.String("jobId", jobID))
}

func (e *Executor) fail(ctx context.Context, jobID string, cause error) {
	err := e.opts.Store.Transition(ctx, jobID, types.JobRunning, types.JobFailed, func(j *types.Job) {
		j.Error = cause.Error()
	})
	if err != nil {
		e.opts.Log.Warn("failure transition rejected", zap.String("jobId", jobID), zap.Error(err))
	}
	e.opts.Log.Error("job failed", zap.String("jobId", jobID), zap.Error(cause))
}

func (e *Executor) observeUnit(st *runState, d time.Duration) {
	sec := d.Seconds()
	if st.avgUnit == 0 {
		st.avgUnit = sec
		return
	}
	st.avgUnit = etaSmoothing*sec + (1-etaSmoothing)*st.avgUnit
}

// eta reports a monotonically non-increasing estimate while the job runs.
func (e *Executor) eta(st *runState, remaining int) int64 {
	estimate := int64(st.avgUnit * float64(remaining))
	if st.lastETA > 0 && estimate > st.lastETA {
		estimate = st.lastETA
	}
	st.lastETA = estimate
	return estimate
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
