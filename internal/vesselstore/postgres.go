package vesselstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps both collections as JSONB tables in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	tables map[Collection]string
	log    *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects, pings and creates the tables if needed.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, tables map[Collection]string, log *slog.Logger) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
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

	s := &PostgresStore{pool: pool, tables: tables, log: log}

	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info("connected to postgres", "raw_table", tables[Raw], "clean_table", tables[Clean])
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	ddl := strings.NewReplacer(
		"{{raw_table}}", s.tables[Raw],
		"{{clean_table}}", s.tables[Clean],
	).Replace(schemaSQL)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// EnsureIndexes creates the (mmsi, id) and ts indexes on both tables.
func (s *PostgresStore) EnsureIndexes(ctx context.Context) error {
	for _, coll := range []Collection{Raw, Clean} {
		table := s.tables[coll]
		stmts := []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_mmsi_idx ON %s (mmsi, id)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts)`, table, table),
		}
		for _, stmt := range stmts {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return classify("create index", err)
			}
		}
		s.log.Info("indexes ensured", "table", table)
	}
	return nil
}

// Session acquires a dedicated pool connection.
func (s *PostgresStore) Session(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("acquire connection", err)
	}
	return &pgSession{conn: conn, tables: s.tables}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgSession struct {
	conn   *pgxpool.Conn
	tables map[Collection]string
}

func (s *pgSession) table(coll Collection) (string, error) {
	t, ok := s.tables[coll]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCollection, coll)
	}
	return t, nil
}

// InsertMany copies the batch in one round trip. If the server refuses the
// copy because of bad data, rows are inserted one by one so only the
// offending rows are rejected.
func (s *pgSession) InsertMany(ctx context.Context, coll Collection, records []ais.Record) (InsertResult, error) {
	table, err := s.table(coll)
	if err != nil {
		return InsertResult{}, Permanent("insert", err)
	}

	rows, index, rejected := encodeBatch(records)
	if len(rows) == 0 {
		return InsertResult{Rejected: rejected}, nil
	}

	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{r.MMSI, r.TS, r.Payload}
	}

	n, err := s.conn.CopyFrom(ctx, pgx.Identifier{table}, []string{"mmsi", "ts", "record"}, pgx.CopyFromRows(src))
	if err == nil {
		return InsertResult{Inserted: int(n), Rejected: rejected}, nil
	}
	if !isDataError(err) {
		return InsertResult{}, classify("copy", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (mmsi, ts, record) VALUES ($1, $2, $3)`, table)
	res := InsertResult{Rejected: rejected}
	for i, r := range rows {
		_, err := s.conn.Exec(ctx, query, r.MMSI, r.TS, r.Payload)
		if err == nil {
			res.Inserted++
			continue
		}
		if isDataError(err) {
			res.Rejected = append(res.Rejected, Rejection{Index: index[i], Reason: err.Error()})
			continue
		}
		return res, classify("insert", err)
	}
	return res, nil
}

// Find pages through one vessel's rows in id order.
func (s *pgSession) Find(ctx context.Context, coll Collection, vesselID int64, skip, limit int) ([]ais.Record, error) {
	table, err := s.table(coll)
	if err != nil {
		return nil, Permanent("find", err)
	}

	query := fmt.Sprintf(`SELECT record FROM %s WHERE mmsi = $1 ORDER BY id OFFSET $2 LIMIT $3`, table)
	rows, err := s.conn.Query(ctx, query, vesselID, skip, limit)
	if err != nil {
		return nil, classify("find", err)
	}
	defer rows.Close()

	out := make([]ais.Record, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classify("scan", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, Permanent("find", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("find", err)
	}
	return out, nil
}

// CountByVessel groups the table by mmsi.
func (s *pgSession) CountByVessel(ctx context.Context, coll Collection) ([]VesselCount, error) {
	table, err := s.table(coll)
	if err != nil {
		return nil, Permanent("count", err)
	}

	query := fmt.Sprintf(`SELECT mmsi, COUNT(*) FROM %s WHERE mmsi IS NOT NULL GROUP BY mmsi`, table)
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, classify("count", err)
	}
	defer rows.Close()

	var out []VesselCount
	for rows.Next() {
		var vc VesselCount
		if err := rows.Scan(&vc.VesselID, &vc.Count); err != nil {
			return nil, classify("scan", err)
		}
		out = append(out, vc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count", err)
	}
	return out, nil
}

func (s *pgSession) Close() error {
	s.conn.Release()
	return nil
}

// isDataError reports SQLSTATE classes 22 (data exception) and 23
// (integrity constraint violation).
func isDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

// classify tags a pgx error with its retry kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return Permanent(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			// connection, rollback, resources, operator intervention
			return Transient(op, err)
		default:
			return Permanent(op, err)
		}
	}

	// Anything else is a connection or timeout failure from the driver.
	return Transient(op, err)
}
