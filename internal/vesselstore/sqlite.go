package vesselstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
)

// positionRow is the table layout shared by both collections.
type positionRow struct {
	ID     int64   `gorm:"primaryKey;autoIncrement"`
	MMSI   *int64  `gorm:"column:mmsi"`
	TS     *string `gorm:"column:ts"`
	Record string  `gorm:"column:record;not null"`
}

// SQLiteStore is a single-file store for local runs and small datasets.
type SQLiteStore struct {
	db     *gorm.DB
	tables map[Collection]string
	log    *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database file and migrates both tables.
func OpenSQLite(path string, tables map[Collection]string, log *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to SQLite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between workers.
	sqlDB.SetMaxOpenConns(1)

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	for _, coll := range []Collection{Raw, Clean} {
		if err := db.Table(tables[coll]).AutoMigrate(&positionRow{}); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", tables[coll], err)
		}
	}

	log.Info("opened sqlite store", "path", path)
	return &SQLiteStore{db: db, tables: tables, log: log}, nil
}

// EnsureIndexes creates the vessel and timestamp indexes.
func (s *SQLiteStore) EnsureIndexes(ctx context.Context) error {
	for _, coll := range []Collection{Raw, Clean} {
		table := s.tables[coll]
		stmts := []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_mmsi_idx ON %s (mmsi, id)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts)`, table, table),
		}
		for _, stmt := range stmts {
			if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
				return classifySQLite("create index", err)
			}
		}
	}
	return nil
}

// Session returns a gorm session bound to no particular statement.
func (s *SQLiteStore) Session(ctx context.Context) (Session, error) {
	return &sqliteSession{
		db:     s.db.Session(&gorm.Session{NewDB: true}),
		tables: s.tables,
	}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqliteSession struct {
	db     *gorm.DB
	tables map[Collection]string
}

func (s *sqliteSession) table(ctx context.Context, coll Collection) (*gorm.DB, error) {
	t, ok := s.tables[coll]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, coll)
	}
	return s.db.WithContext(ctx).Table(t), nil
}

func (s *sqliteSession) InsertMany(ctx context.Context, coll Collection, records []ais.Record) (InsertResult, error) {
	tx, err := s.table(ctx, coll)
	if err != nil {
		return InsertResult{}, Permanent("insert", err)
	}

	rows, _, rejected := encodeBatch(records)
	if len(rows) == 0 {
		return InsertResult{Rejected: rejected}, nil
	}

	models := make([]positionRow, len(rows))
	for i, r := range rows {
		models[i] = positionRow{MMSI: r.MMSI, TS: r.TS, Record: string(r.Payload)}
	}

	if err := tx.CreateInBatches(models, 500).Error; err != nil {
		return InsertResult{}, classifySQLite("insert", err)
	}
	return InsertResult{Inserted: len(models), Rejected: rejected}, nil
}

func (s *sqliteSession) Find(ctx context.Context, coll Collection, vesselID int64, skip, limit int) ([]ais.Record, error) {
	tx, err := s.table(ctx, coll)
	if err != nil {
		return nil, Permanent("find", err)
	}

	var models []positionRow
	err = tx.Where("mmsi = ?", vesselID).
		Order("id").
		Offset(skip).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, classifySQLite("find", err)
	}

	out := make([]ais.Record, 0, len(models))
	for _, m := range models {
		rec, err := decodeRecord([]byte(m.Record))
		if err != nil {
			return nil, Permanent("find", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *sqliteSession) CountByVessel(ctx context.Context, coll Collection) ([]VesselCount, error) {
	tx, err := s.table(ctx, coll)
	if err != nil {
		return nil, Permanent("count", err)
	}

	var out []VesselCount
	err = tx.Select("mmsi AS vessel_id, COUNT(*) AS count").
		Where("mmsi IS NOT NULL").
		Group("mmsi").
		Scan(&out).Error
	if err != nil {
		return nil, classifySQLite("count", err)
	}
	return out, nil
}

func (s *sqliteSession) Close() error { return nil }

// classifySQLite treats lock contention as transient and everything else as
// permanent.
func classifySQLite(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return Transient(op, err)
	}
	return Permanent(op, err)
}
