// Package analytics derives per-snapshot analytics from stored entity
// records: membership trends against the program-year baseline, Borda
// ranks across entities, and DCP classification.
package analytics

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/distboard/distboard/pkg/types"
)

// EntityAnalytics is the derived view of one entity at one snapshot date.
type EntityAnalytics struct {
	EntityID        string  `json:"entityId"`
	Membership      int     `json:"membership"`
	MembershipDelta int     `json:"membershipDelta"` // vs. program-year start
	BordaScore      int     `json:"bordaScore"`
	Rank            int     `json:"rank"`
	DCPClass        string  `json:"dcpClass"`
	GoalRatio       float64 `json:"goalRatio"`
}

// Payload is the artefact stored as analytics/{snapshot_id}.json.
type Payload struct {
	SnapshotID         string            `json:"snapshotId"`
	GeneratedAt        time.Time         `json:"generatedAt"`
	CalculationVersion int               `json:"calculationVersion"`
	Entities           []EntityAnalytics `json:"entities"`
}

// Computer turns a snapshot into an analytics payload. The baseline lookup
// returns the program-year starting membership for an entity, or false
// when no earlier data exists.
type Computer interface {
	Compute(ctx context.Context, snap *types.Snapshot) ([]byte, error)
}

// BaselineFunc resolves an entity's membership at the start of the
// snapshot's program year.
type BaselineFunc func(ctx context.Context, entityID, programYear string) (int, bool)

type computer struct {
	calculationVersion int
	baseline           BaselineFunc
}

// NewComputer builds the default computer. baseline may be nil, in which
// case deltas are reported against the snapshot itself (zero).
func NewComputer(calculationVersion int, baseline BaselineFunc) Computer {
	return &computer{calculationVersion: calculationVersion, baseline: baseline}
}

func (c *computer) Compute(ctx context.Context, snap *types.Snapshot) ([]byte, error) {
	programYear, err := types.ProgramYear(snap.Metadata.SnapshotID)
	if err != nil {
		return nil, err
	}

	entities := make([]EntityAnalytics, 0, len(snap.Records))
	for _, entityID := range snap.Manifest {
		rec, ok := snap.Records[entityID]
		if !ok {
			continue
		}
		ea := EntityAnalytics{
			EntityID:   entityID,
			Membership: rec.Membership,
			DCPClass:   classifyDCP(rec),
			GoalRatio:  goalRatio(rec),
		}
		if c.baseline != nil {
			if base, ok := c.baseline(ctx, entityID, programYear); ok {
				ea.MembershipDelta = rec.Membership - base
			}
		}
		entities = append(entities, ea)
	}

	applyBordaRanks(entities, snap.Records)

	payload := Payload{
		SnapshotID:         snap.Metadata.SnapshotID,
		GeneratedAt:        time.Now().UTC(),
		CalculationVersion: c.calculationVersion,
		Entities:           entities,
	}
	return json.MarshalIndent(payload, "", "  ")
}

// applyBordaRanks scores each entity on three criteria (membership, paid
// clubs, distinguished clubs). Each criterion awards n-1 points to the
// best entity down to 0 for the worst; rank 1 is the highest total.
func applyBordaRanks(entities []EntityAnalytics, records map[string]types.EntityRecord) {
	n := len(entities)
	if n == 0 {
		return
	}
	scores := map[string]int{}
	criteria := []func(types.EntityRecord) int{
		func(r types.EntityRecord) int { return r.Membership },
		func(r types.EntityRecord) int { return r.PaidClubs },
		func(r types.EntityRecord) int { return r.DistinguishedClubs },
	}
	for _, metric := range criteria {
		order := make([]string, 0, n)
		for _, e := range entities {
			order = append(order, e.EntityID)
		}
		sort.SliceStable(order, func(i, j int) bool {
			return metric(records[order[i]]) > metric(records[order[j]])
		})
		for pos, id := range order {
			scores[id] += n - 1 - pos
		}
	}
	for i := range entities {
		entities[i].BordaScore = scores[entities[i].EntityID]
	}
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].BordaScore > entities[j].BordaScore
	})
	for i := range entities {
		entities[i].Rank = i + 1
	}
}

func goalRatio(rec types.EntityRecord) float64 {
	if rec.ActiveClubs == 0 {
		return 0
	}
	return float64(rec.GoalsMet) / float64(rec.ActiveClubs*10)
}

// classifyDCP buckets an entity by the share of its clubs that reached
// distinguished status.
func classifyDCP(rec types.EntityRecord) string {
	if rec.ActiveClubs == 0 {
		return "none"
	}
	ratio := float64(rec.DistinguishedClubs) / float64(rec.ActiveClubs)
	switch {
	case ratio >= 0.55:
		return "presidents"
	case ratio >= 0.50:
		return "select"
	case ratio >= 0.45:
		return "distinguished"
	default:
		return "none"
	}
}
