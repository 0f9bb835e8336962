// Package jobstore holds the durable job map and owns every status
// transition. Transitions are serialized under the store mutex, which is
// also where the global invariant lives: at most one job is pending,
// running, or recovering at any time.
package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/pkg/apperr"
	"github.com/distboard/distboard/pkg/types"
)

var (
	ErrDuplicateJob = errors.New("job already exists")
	ErrJobNotFound  = errors.New("job not found")
)

// validTransitions enumerates the job state machine. Terminal states have
// no outgoing edges.
var validTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobPending:    {types.JobRunning, types.JobCancelled, types.JobFailed},
	types.JobRunning:    {types.JobCompleted, types.JobFailed, types.JobCancelled, types.JobRecovering},
	types.JobRecovering: {types.JobRunning, types.JobFailed, types.JobCancelled},
}

func transitionAllowed(from, to types.JobStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Filter narrows List results.
type Filter struct {
	Status types.JobStatus
	Type   types.JobType
	Limit  int
	Offset int
}

// Store is the durable job map. Jobs survive restarts as
// jobs/{job_id}.json records rewritten on every mutation.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*types.Job
	provider storage.Provider
	log      *zap.Logger
}

// NewStore loads all persisted jobs so recovery can inspect them.
func NewStore(ctx context.Context, provider storage.Provider, log *zap.Logger) (*Store, error) {
	s := &Store{
		jobs:     map[string]*types.Job{},
		provider: provider,
		log:      log,
	}
	persisted, err := provider.ListJobs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	for _, job := range persisted {
		s.jobs[job.JobID] = job
	}
	return s, nil
}

// Create registers a new pending job. It fails with JOB_ALREADY_RUNNING
// if any other job is active, closing the create/recover race inside the
// store rather than in the service.
func (s *Store) Create(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID]; exists {
		return ErrDuplicateJob
	}
	if active := s.activeLocked(); active != nil {
		return apperr.Newf(apperr.CodeJobAlreadyRunning,
			"job %s is %s", active.JobID, active.Status)
	}

	job.Status = types.JobPending
	job.CreatedAt = time.Now().UTC()
	// Persist first: a job that never reached storage must not occupy
	// the active slot in memory.
	if err := s.persistLocked(ctx, job); err != nil {
		return err
	}
	s.jobs[job.JobID] = job
	return nil
}

// Get returns a copy of the job, or nil when unknown.
func (s *Store) Get(id string) *types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

// List returns copies of jobs matching the filter, newest first.
func (s *Store) List(filter Filter) []*types.Job {
	s.mu.RLock()
	all := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	var out []*types.Job
	skipped := 0
	for _, job := range all {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Transition moves a job from one status to another, applying mutate to
// the record inside the same critical section. Invalid edges fail loudly
// with INVALID_JOB_STATE.
func (s *Store) Transition(ctx context.Context, id string, from, to types.JobStatus, mutate func(*types.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return apperr.Newf(apperr.CodeJobNotFound, "job %s not found", id)
	}
	if job.Status != from {
		return apperr.Newf(apperr.CodeInvalidJobState,
			"job %s is %s, expected %s", id, job.Status, from)
	}
	if !transitionAllowed(from, to) {
		return apperr.Newf(apperr.CodeInvalidJobState,
			"transition %s -> %s is not allowed", from, to)
	}
	if to.Active() && !from.Active() {
		if active := s.activeLocked(); active != nil && active.JobID != id {
			return apperr.Newf(apperr.CodeJobAlreadyRunning,
				"job %s is %s", active.JobID, active.Status)
		}
	}

	// Mutate a copy; the stored record only changes once the new state
	// is durable.
	cp := *job
	cp.Status = to
	now := time.Now().UTC()
	switch to {
	case types.JobRunning:
		if cp.StartedAt == nil {
			cp.StartedAt = &now
		} else {
			cp.ResumedAt = &now
		}
	case types.JobCompleted, types.JobFailed, types.JobCancelled:
		cp.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&cp)
	}
	if err := s.persistLocked(ctx, &cp); err != nil {
		return err
	}
	*job = cp
	return nil
}

// UpdateProgress applies an executor-owned mutation of progress and
// checkpoint. The job's status is not touched here.
func (s *Store) UpdateProgress(ctx context.Context, id string, mutate func(*types.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return apperr.Newf(apperr.CodeJobNotFound, "job %s not found", id)
	}
	cp := *job
	mutate(&cp)
	if err := s.persistLocked(ctx, &cp); err != nil {
		return err
	}
	*job = cp
	return nil
}

// RequestCancel flags a running or recovering job for cooperative
// cancellation; a pending job is cancelled outright.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return apperr.Newf(apperr.CodeJobNotFound, "job %s not found", id)
	}
	cp := *job
	switch job.Status {
	case types.JobPending:
		cp.Status = types.JobCancelled
		now := time.Now().UTC()
		cp.CompletedAt = &now
	case types.JobRunning, types.JobRecovering:
		cp.CancelRequested = true
	default:
		return apperr.Newf(apperr.CodeInvalidJobState,
			"job %s is already %s", id, job.Status)
	}
	if err := s.persistLocked(ctx, &cp); err != nil {
		return err
	}
	*job = cp
	return nil
}

// ForceCancel transitions an active job to cancelled immediately, without
// executor cooperation. Any in-flight write completes but its job is
// already terminal on the next read.
func (s *Store) ForceCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return apperr.Newf(apperr.CodeJobNotFound, "job %s not found", id)
	}
	if !job.Status.Active() {
		return apperr.Newf(apperr.CodeInvalidJobState,
			"job %s is %s and cannot be force-cancelled", id, job.Status)
	}
	cp := *job
	cp.Status = types.JobCancelled
	cp.CancelRequested = true
	now := time.Now().UTC()
	cp.CompletedAt = &now
	cp.Error = "force-cancelled by operator"
	if err := s.persistLocked(ctx, &cp); err != nil {
		return err
	}
	*job = cp
	return nil
}

// CancelRequested reports the cooperative-cancel flag; executors poll it
// at unit boundaries. A terminal status also reads as cancelled so a
// force-cancelled executor stops at its next boundary.
func (s *Store) CancelRequested(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return true
	}
	return job.CancelRequested || job.Status.Terminal()
}

// Active returns a copy of the currently active job, if any.
func (s *Store) Active() *types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if job := s.activeLocked(); job != nil {
		cp := *job
		return &cp
	}
	return nil
}

func (s *Store) activeLocked() *types.Job {
	for _, job := range s.jobs {
		if job.Status.Active() {
			return job
		}
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context, job *types.Job) error {
	if err := s.provider.PutJob(ctx, job); err != nil {
		s.log.Error("failed to persist job", zap.String("jobId", job.JobID), zap.Error(err))
		return apperr.Newf(apperr.CodeStorage, "persist job %s: %v", job.JobID, err)
	}
	return nil
}
