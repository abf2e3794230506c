// Package cleaner derives the cleaned collection from the raw collection,
// one vessel at a time, and checkpoints each vessel once it is complete.
package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metadata"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/partition"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/vesselstore"
)

// Build info, set via -ldflags.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

// Config configures a cleaning run.
type Config struct {
	Pipeline   Options
	MinRecords int64
	DryRun     bool
	Source     string // label stored in the catalog
}

// Cleaner wires the partitioner, the pipeline and the run catalog.
type Cleaner struct {
	store       vesselstore.Store
	checkpoints checkpoint.Store
	catalog     metadata.Writer
	cfg         Config
	log         *slog.Logger
}

// New creates a Cleaner. catalog may be nil.
func New(store vesselstore.Store, checkpoints checkpoint.Store, catalog metadata.Writer, cfg Config) *Cleaner {
	log := logging.OrComponent(cfg.Pipeline.Logger, "cleaner")
	if catalog == nil {
		catalog, _ = metadata.NewWriter(context.Background(), metadata.CatalogConfig{}, log)
	}
	cfg.Pipeline.Logger = log
	cfg.Pipeline.Catalog = catalog
	return &Cleaner{
		store:       store,
		checkpoints: checkpoints,
		catalog:     catalog,
		cfg:         cfg,
		log:         log,
	}
}

// Run cleans every eligible vessel. It returns an error only for failures
// that prevent the run from starting; unit failures are in the Report.
func (c *Cleaner) Run(ctx context.Context) (Report, error) {
	runID := uuid.New().String()
	started := time.Now().UTC()
	log := c.log.With("run_id", runID)

	done, err := c.checkpoints.Load(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load checkpoints: %w", err)
	}
	log.Info("checkpoints loaded", "completed_vessels", len(done))

	if err := c.store.EnsureIndexes(ctx); err != nil {
		return Report{}, fmt.Errorf("ensure indexes: %w", err)
	}

	units, stats, err := c.enumerate(ctx, done)
	if err != nil {
		return Report{}, err
	}
	m := c.cfg.Pipeline.Metrics
	m.AddUnitsSkipped(stage, "checkpointed", stats.Checkpointed)
	m.AddUnitsSkipped(stage, "undersized", stats.Undersized)

	if c.cfg.DryRun {
		log.Info("dry run, nothing written", "eligible", len(units), "eligible_rows", stats.EligibleRows)
		return Report{
			RunID:               runID,
			StartedAt:           started,
			UnitsTotal:          len(units),
			NotAttempted:        len(units),
			SkippedCheckpointed: stats.Checkpointed,
			SkippedUndersized:   stats.Undersized,
			Planned:             units,
		}, nil
	}

	if err := c.catalog.StartRun(ctx, metadata.RunInfo{
		RunID:        runID,
		Stage:        stage,
		Source:       c.cfg.Source,
		StartedAt:    started,
		UnitsPlanned: len(units),
		Producer:     "ais-cleaner " + Version,
	}); err != nil {
		log.Warn("catalog start failed", "error", err)
		m.IncCatalogErrors()
	}

	opts := c.cfg.Pipeline
	opts.RunID = runID
	opts.Logger = log
	report := NewPipeline(c.store, c.checkpoints, opts).Run(ctx, units)
	report.StartedAt = started
	report.SkippedCheckpointed = stats.Checkpointed
	report.SkippedUndersized = stats.Undersized

	if err := c.catalog.FinishRun(context.WithoutCancel(ctx), Summary(report)); err != nil {
		log.Warn("catalog finish failed", "error", err)
		m.IncCatalogErrors()
	}
	return report, nil
}

func (c *Cleaner) enumerate(ctx context.Context, done checkpoint.Set) ([]partition.WorkUnit, partition.Stats, error) {
	sess, err := c.store.Session(ctx)
	if err != nil {
		return nil, partition.Stats{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	p := partition.New(sess, vesselstore.Raw, c.cfg.MinRecords, c.log)
	return p.Enumerate(ctx, done)
}

// Summary converts a report into a catalog run summary.
func Summary(r Report) metadata.RunSummary {
	return metadata.RunSummary{
		RunID:            r.RunID,
		Stage:            stage,
		Status:           metadata.Status(r.Cancelled, r.Failed),
		UnitsTotal:       r.UnitsTotal,
		UnitsCompleted:   r.Completed,
		UnitsFailed:      r.Failed,
		FailedUnits:      r.FailedUnits,
		RecordsRead:      r.RecordsRead,
		RecordsWritten:   r.RecordsWritten,
		RecordsRejected:  r.RecordsRejected,
		RecordsDiscarded: r.RecordsDiscarded,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.StartedAt.Add(r.Duration),
	}
}
