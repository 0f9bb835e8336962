// Package types defines the core domain model shared by the storage,
// indexing, and backfill subsystems.
package types

import (
	"fmt"
	"time"
)

// ============================================================================
// Snapshots
// ============================================================================

// SnapshotStatus describes the outcome of a snapshot write.
type SnapshotStatus string

const (
	SnapshotSuccess SnapshotStatus = "success" // every entity in the manifest has a record
	SnapshotPartial SnapshotStatus = "partial" // some entities failed; see Errors
	SnapshotFailed  SnapshotStatus = "failed"  // nothing usable; may be overwritten
)

// SnapshotError records a per-entity failure inside a partial snapshot.
type SnapshotError struct {
	EntityID string `json:"entityId"`
	Message  string `json:"message"`
}

// SnapshotMetadata is the date-keyed header of a snapshot. Once a snapshot
// is committed with a non-failed status its metadata and payload never
// change; the whole snapshot is only ever cascade-deleted.
type SnapshotMetadata struct {
	SnapshotID         string          `json:"snapshotId"` // YYYY-MM-DD
	CreatedAt          time.Time       `json:"createdAt"`
	SchemaVersion      int             `json:"schemaVersion"`
	CalculationVersion int             `json:"calculationVersion"`
	Status             SnapshotStatus  `json:"status"`
	Errors             []SnapshotError `json:"errors,omitempty"`
	EntityCount        int             `json:"entityCount"`
	ContentHash        string          `json:"contentHash,omitempty"`
}

// EntityRecord is the per-entity payload scraped from the upstream
// dashboard for one snapshot date.
type EntityRecord struct {
	EntityID           string `json:"entityId"`
	Membership         int    `json:"membership"`
	PaidClubs          int    `json:"paidClubs"`
	ActiveClubs        int    `json:"activeClubs"`
	DistinguishedClubs int    `json:"distinguishedClubs"`
	GoalsMet           int    `json:"goalsMet"`
}

// Snapshot is the full payload for one date: metadata, a manifest of the
// entity IDs present, and one record per manifest entry. Records may be
// missing for entities listed in Errors when Status is partial.
type Snapshot struct {
	Metadata SnapshotMetadata        `json:"metadata"`
	Manifest []string                `json:"manifest"`
	Records  map[string]EntityRecord `json:"records"`
}

// ============================================================================
// Time series
// ============================================================================

// DataPoint is one snapshot's contribution to an entity's time series.
type DataPoint struct {
	SnapshotID         string `json:"snapshotId"`
	Membership         int    `json:"membership"`
	PaidClubs          int    `json:"paidClubs"`
	DistinguishedClubs int    `json:"distinguishedClubs"`
}

// TimeSeriesSummary is recomputed from the data points on every write.
type TimeSeriesSummary struct {
	Start int `json:"start"`
	End   int `json:"end"`
	Peak  int `json:"peak"`
	Low   int `json:"low"`
	Count int `json:"count"`
}

// TimeSeriesEntry indexes one entity's membership within one program year.
// Data points are kept sorted by snapshot ID; lexicographic order matches
// chronological order for YYYY-MM-DD keys.
type TimeSeriesEntry struct {
	EntityID    string            `json:"entityId"`
	ProgramYear string            `json:"programYear"` // YYYY-YYYY, July 1 through June 30
	DataPoints  []DataPoint       `json:"dataPoints"`
	Summary     TimeSeriesSummary `json:"summary"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// RecomputeSummary rebuilds the summary from the data points. It is a pure
// function of the points: an empty entry yields a zeroed summary.
func (e *TimeSeriesEntry) RecomputeSummary() {
	if len(e.DataPoints) == 0 {
		e.Summary = TimeSeriesSummary{}
		return
	}
	s := TimeSeriesSummary{
		Start: e.DataPoints[0].Membership,
		End:   e.DataPoints[len(e.DataPoints)-1].Membership,
		Peak:  e.DataPoints[0].Membership,
		Low:   e.DataPoints[0].Membership,
		Count: len(e.DataPoints),
	}
	for _, p := range e.DataPoints {
		if p.Membership > s.Peak {
			s.Peak = p.Membership
		}
		if p.Membership < s.Low {
			s.Low = p.Membership
		}
	}
	e.Summary = s
}

// ============================================================================
// Jobs
// ============================================================================

// JobType selects the work a backfill job performs.
type JobType string

const (
	JobDataCollection      JobType = "data-collection"
	JobAnalyticsGeneration JobType = "analytics-generation"
)

// JobStatus is the lifecycle state of a job. Completed, failed, and
// cancelled are terminal.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRecovering JobStatus = "recovering"
)

// Terminal reports whether s has no outgoing transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether s counts against the one-active-job invariant.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning || s == JobRecovering
}

// JobConfig is the immutable request a job was created from.
type JobConfig struct {
	StartDate    string           `json:"startDate"` // YYYY-MM-DD, inclusive
	EndDate      string           `json:"endDate"`   // YYYY-MM-DD, inclusive
	EntityIDs    []string         `json:"entityIds,omitempty"`
	SkipExisting bool             `json:"skipExisting"`
	RateLimit    *RateLimitConfig `json:"rateLimit,omitempty"` // per-job override
}

// UnitError records one failed work unit; processing continued past it.
type UnitError struct {
	Unit    string `json:"unit"`
	Message string `json:"message"`
}

// JobProgress is mutated only by the job's executor.
type JobProgress struct {
	TotalUnits     int         `json:"totalUnits"`
	ProcessedUnits int         `json:"processedUnits"`
	Percent        float64     `json:"percent"`
	CurrentItem    string      `json:"currentItem,omitempty"`
	Errors         []UnitError `json:"errors,omitempty"`
	ETASeconds     int64       `json:"etaSeconds,omitempty"`
}

// JobResult aggregates unit outcomes for a finished job.
type JobResult struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Job is the durable record of one backfill execution. The checkpoint is
// an opaque cursor naming the next unprocessed work unit; it advances
// monotonically in plan order while the job is running.
type Job struct {
	JobID           string      `json:"jobId"`
	Type            JobType     `json:"jobType"`
	Status          JobStatus   `json:"status"`
	Config          JobConfig   `json:"config"`
	Progress        JobProgress `json:"progress"`
	Checkpoint      string      `json:"checkpoint,omitempty"`
	CancelRequested bool        `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	ResumedAt       *time.Time  `json:"resumedAt,omitempty"`
	Result          *JobResult  `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// ============================================================================
// Rate limiting
// ============================================================================

// RateLimitConfig is the process-wide upstream throttle. It is configured
// at startup and mutable only through the admin API; changes take effect
// for the next acquired token.
type RateLimitConfig struct {
	MaxRequestsPerMinute int     `json:"maxRequestsPerMinute" yaml:"maxRequestsPerMinute" validate:"min=1,max=600"`
	MaxConcurrent        int     `json:"maxConcurrent" yaml:"maxConcurrent" validate:"min=1,max=64"`
	MinDelayMs           int     `json:"minDelayMs" yaml:"minDelayMs" validate:"min=0"`
	MaxDelayMs           int     `json:"maxDelayMs" yaml:"maxDelayMs" validate:"min=0,gtefield=MinDelayMs"`
	BackoffMultiplier    float64 `json:"backoffMultiplier" yaml:"backoffMultiplier" validate:"gte=1"`
}

// DefaultRateLimit is applied when neither the config file nor the
// environment overrides it.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		MaxRequestsPerMinute: 30,
		MaxConcurrent:        2,
		MinDelayMs:           500,
		MaxDelayMs:           30000,
		BackoffMultiplier:    2.0,
	}
}

// ============================================================================
// Dates and program years
// ============================================================================

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD snapshot key.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// FormatDate renders t as a YYYY-MM-DD snapshot key.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ProgramYear maps a snapshot date to its July 1 – June 30 program year,
// named YYYY-YYYY. July through December belong to the program year that
// starts in July of the same calendar year.
func ProgramYear(snapshotID string) (string, error) {
	t, err := ParseDate(snapshotID)
	if err != nil {
		return "", fmt.Errorf("invalid snapshot id %q: %w", snapshotID, err)
	}
	y := t.Year()
	if t.Month() >= time.July {
		return fmt.Sprintf("%d-%d", y, y+1), nil
	}
	return fmt.Sprintf("%d-%d", y-1, y), nil
}
