package executor

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/distboard/distboard/internal/storage"
	"github.com/distboard/distboard/pkg/apperr"
	"github.com/distboard/distboard/pkg/types"
)

// Unit is the smallest indivisible piece of a job's plan: one
// (date, entity) pair for collection, one snapshot for analytics.
type Unit struct {
	Date     string
	EntityID string // empty for analytics units
}

// Key renders the unit as the opaque checkpoint token.
func (u Unit) Key() string {
	if u.EntityID == "" {
		return u.Date
	}
	return u.Date + "/" + u.EntityID
}

// Plan is the ordered list of units a job will process. Units already
// satisfied by existing data are counted in Skipped, not listed.
type Plan struct {
	Units   []Unit
	Skipped int
}

// IndexOf locates the unit matching a checkpoint token; -1 when absent.
func (p *Plan) IndexOf(checkpoint string) int {
	for i, u := range p.Units {
		if u.Key() == checkpoint {
			return i
		}
	}
	return -1
}

// FirstUnitOfDate returns the index of the first unit on the same date as
// the unit at idx.
func (p *Plan) FirstUnitOfDate(idx int) int {
	date := p.Units[idx].Date
	for idx > 0 && p.Units[idx-1].Date == date {
		idx--
	}
	return idx
}

// BuildPlan enumerates the ordered work units for a job without side
// effects; the preview endpoint reuses it.
//
// Collection plans are ordered by (date, entityID): chronological dates,
// entity IDs ascending. Analytics plans cover existing snapshots in the
// range, chronological.
func BuildPlan(ctx context.Context, job *types.Job, provider storage.Provider) (*Plan, error) {
	switch job.Type {
	case types.JobDataCollection:
		return buildCollectionPlan(ctx, job, provider)
	case types.JobAnalyticsGeneration:
		return buildAnalyticsPlan(ctx, job, provider)
	default:
		return nil, apperr.Newf(apperr.CodeInvalidJobType, "unknown job type %q", job.Type)
	}
}

func dateRange(cfg types.JobConfig) ([]string, error) {
	start, err := types.ParseDate(cfg.StartDate)
	if err != nil {
		return nil, apperr.Newf(apperr.CodeInvalidDateRange, "bad start date %q", cfg.StartDate)
	}
	end, err := types.ParseDate(cfg.EndDate)
	if err != nil {
		return nil, apperr.Newf(apperr.CodeInvalidDateRange, "bad end date %q", cfg.EndDate)
	}
	if end.Before(start) {
		return nil, apperr.Newf(apperr.CodeInvalidDateRange,
			"end date %s before start date %s", cfg.EndDate, cfg.StartDate)
	}
	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, types.FormatDate(d))
	}
	return dates, nil
}

func buildCollectionPlan(ctx context.Context, job *types.Job, provider storage.Provider) (*Plan, error) {
	dates, err := dateRange(job.Config)
	if err != nil {
		return nil, err
	}
	entities := lo.Uniq(job.Config.EntityIDs)
	sort.Strings(entities)
	if len(entities) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "data-collection job requires a non-empty entity filter")
	}

	plan := &Plan{}
	for _, date := range dates {
		existing := map[string]bool{}
		if job.Config.SkipExisting {
			meta, err := provider.GetSnapshotMetadata(ctx, date)
			if err != nil {
				return nil, errors.Wrapf(err, "inspect snapshot %s", date)
			}
			if meta != nil && meta.Status != types.SnapshotFailed {
				manifest, err := provider.ListEntitiesInSnapshot(ctx, date)
				if err != nil {
					return nil, errors.Wrapf(err, "inspect snapshot %s manifest", date)
				}
				for _, id := range manifest {
					existing[id] = true
				}
			}
		}
		units := lo.FilterMap(entities, func(entityID string, _ int) (Unit, bool) {
			if existing[entityID] {
				return Unit{}, false
			}
			return Unit{Date: date, EntityID: entityID}, true
		})
		plan.Skipped += len(entities) - len(units)
		plan.Units = append(plan.Units, units...)
	}
	return plan, nil
}

func buildAnalyticsPlan(ctx context.Context, job *types.Job, provider storage.Provider) (*Plan, error) {
	metas, err := provider.ListSnapshotMetadata(ctx, storage.SnapshotFilter{
		StartDate: job.Config.StartDate,
		EndDate:   job.Config.EndDate,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots for analytics plan")
	}
	plan := &Plan{}
	for _, meta := range metas {
		if meta.Status == types.SnapshotFailed {
			plan.Skipped++
			continue
		}
		plan.Units = append(plan.Units, Unit{Date: meta.SnapshotID})
	}
	return plan, nil
}

// compareKeys orders checkpoint tokens the way the plan orders units.
func compareKeys(a, b string) int {
	return strings.Compare(a, b)
}
