// Package partition splits the raw collection into per-vessel work units.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/vesselstore"
)

// DefaultMinRecords is the smallest group worth cleaning.
const DefaultMinRecords = 100

// WorkUnit is all raw records of one vessel.
type WorkUnit struct {
	VesselID    int64
	RecordCount int64
}

// Stats counts why groups were excluded.
type Stats struct {
	Groups       int
	Eligible     int
	Checkpointed int
	Undersized   int
	EligibleRows int64
}

// Counter is the grouped-count capability of a store session.
type Counter interface {
	CountByVessel(ctx context.Context, coll vesselstore.Collection) ([]vesselstore.VesselCount, error)
}

// Partitioner enumerates eligible work units.
type Partitioner struct {
	counter    Counter
	coll       vesselstore.Collection
	minRecords int64
	log        *slog.Logger
}

// New creates a Partitioner over coll. minRecords <= 0 selects the default.
func New(counter Counter, coll vesselstore.Collection, minRecords int64, log *slog.Logger) *Partitioner {
	if minRecords <= 0 {
		minRecords = DefaultMinRecords
	}
	if log == nil {
		log = slog.With("component", "partitioner")
	}
	return &Partitioner{counter: counter, coll: coll, minRecords: minRecords, log: log}
}

// Enumerate returns every vessel with at least minRecords raw records that
// is not in done. Largest units come first so long vessels start early.
func (p *Partitioner) Enumerate(ctx context.Context, done checkpoint.Set) ([]WorkUnit, Stats, error) {
	counts, err := p.counter.CountByVessel(ctx, p.coll)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("count records by vessel: %w", err)
	}

	stats := Stats{Groups: len(counts)}
	units := make([]WorkUnit, 0, len(counts))
	for _, c := range counts {
		if done.Contains(c.VesselID) {
			stats.Checkpointed++
			continue
		}
		if c.Count < p.minRecords {
			stats.Undersized++
			continue
		}
		units = append(units, WorkUnit{VesselID: c.VesselID, RecordCount: c.Count})
		stats.EligibleRows += c.Count
	}
	stats.Eligible = len(units)

	sort.Slice(units, func(i, j int) bool {
		if units[i].RecordCount != units[j].RecordCount {
			return units[i].RecordCount > units[j].RecordCount
		}
		return units[i].VesselID < units[j].VesselID
	})

	p.log.Info("work units enumerated",
		"groups", stats.Groups,
		"eligible", stats.Eligible,
		"checkpointed", stats.Checkpointed,
		"undersized", stats.Undersized,
		"min_records", p.minRecords,
		"eligible_rows", stats.EligibleRows,
	)
	return units, stats, nil
}
