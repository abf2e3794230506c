package metadata

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  CatalogConfig
	log  *slog.Logger
}

var _ Writer = (*PostgresWriter)(nil)

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(ctx context.Context, cfg CatalogConfig, log *slog.Logger) (*PostgresWriter, error) {
	if log == nil {
		log = slog.With("component", "metadata")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg, log: log}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// initSchema creates the _meta_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

func parseRunID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run id %q: %w", id, err)
	}
	return u, nil
}

// StartRun inserts the run row in status "running".
func (w *PostgresWriter) StartRun(ctx context.Context, run RunInfo) error {
	id, err := parseRunID(run.RunID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO _meta_runs (run_id, namespace, stage, source, producer, units_planned, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO NOTHING
	`
	_, err = w.pool.Exec(ctx, query,
		id.String(),
		w.cfg.Namespace,
		run.Stage,
		run.Source,
		run.Producer,
		run.UnitsPlanned,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordUnit upserts one unit outcome.
func (w *PostgresWriter) RecordUnit(ctx context.Context, rec UnitRecord) error {
	id, err := parseRunID(rec.RunID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO _meta_units (
			run_id, unit_key, state, raw_records, read, written,
			rejected, discarded, error, duration_ms, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, unit_key)
		DO UPDATE SET
			state = EXCLUDED.state,
			read = EXCLUDED.read,
			written = EXCLUDED.written,
			rejected = EXCLUDED.rejected,
			discarded = EXCLUDED.discarded,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms,
			finished_at = EXCLUDED.finished_at
	`

	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	_, err = w.pool.Exec(ctx, query,
		id.String(),
		rec.UnitKey,
		rec.State,
		rec.RawRecords,
		rec.Read,
		rec.Written,
		rec.Rejected,
		rec.Discarded,
		errMsg,
		rec.Duration.Milliseconds(),
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record unit %d: %w", rec.UnitKey, err)
	}
	return nil
}

// FinishRun stores the final counters and status.
func (w *PostgresWriter) FinishRun(ctx context.Context, sum RunSummary) error {
	id, err := parseRunID(sum.RunID)
	if err != nil {
		return err
	}

	query := `
		UPDATE _meta_runs SET
			status = $2,
			units_total = $3,
			units_completed = $4,
			units_failed = $5,
			records_read = $6,
			records_written = $7,
			records_rejected = $8,
			records_discarded = $9,
			finished_at = $10
		WHERE run_id = $1
	`
	tag, err := w.pool.Exec(ctx, query,
		id.String(),
		sum.Status,
		sum.UnitsTotal,
		sum.UnitsCompleted,
		sum.UnitsFailed,
		sum.RecordsRead,
		sum.RecordsWritten,
		sum.RecordsRejected,
		sum.RecordsDiscarded,
		sum.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: run not started", sum.RunID)
	}

	w.log.Info("recorded run", "run_id", sum.RunID, "status", sum.Status)
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
