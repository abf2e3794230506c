package metadata

import (
	"context"
	"log/slog"
	"time"
)

// CatalogConfig configures the run catalog.
type CatalogConfig struct {
	PostgresDSN string
	Namespace   string // free-form label stored with each run, e.g. "dma-2025-03"
}

// Writer records runs and their units. Failures are reported to the caller
// but are never meant to fail a unit of work.
type Writer interface {
	StartRun(ctx context.Context, run RunInfo) error
	RecordUnit(ctx context.Context, rec UnitRecord) error
	FinishRun(ctx context.Context, sum RunSummary) error
	Close() error
}

// RunInfo describes a run as it starts.
type RunInfo struct {
	RunID        string
	Stage        string // "ingest" | "clean"
	Source       string
	StartedAt    time.Time
	UnitsPlanned int
	Producer     string
}

// UnitRecord is the outcome of one unit: a vessel when cleaning, a chunk
// when ingesting.
type UnitRecord struct {
	RunID      string
	UnitKey    int64
	State      string
	RawRecords int64
	Read       int64
	Written    int64
	Rejected   int64
	Discarded  int64
	Error      string
	Duration   time.Duration
	FinishedAt time.Time
}

// NewWriter returns a PostgreSQL-backed writer when a DSN is configured and
// a no-op writer otherwise.
func NewWriter(ctx context.Context, cfg CatalogConfig, log *slog.Logger) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	w, err := NewPostgresWriter(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type noopWriter struct{}

func (noopWriter) StartRun(context.Context, RunInfo) error      { return nil }
func (noopWriter) RecordUnit(context.Context, UnitRecord) error { return nil }
func (noopWriter) FinishRun(context.Context, RunSummary) error  { return nil }
func (noopWriter) Close() error                                 { return nil }
