// Package vesselstore is the destination for raw and cleaned position
// records. It exposes the narrow contract the pipeline needs: unordered bulk
// insert, paged lookup by vessel, grouped counts and index creation.
package vesselstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
)

// Collection names a logical record set.
type Collection string

const (
	Raw   Collection = "raw"
	Clean Collection = "clean"
)

var (
	// ErrUnknownBackend is returned by Open for unsupported backends.
	ErrUnknownBackend = errors.New("unknown store backend")

	// ErrUnknownCollection is returned for collections other than Raw and Clean.
	ErrUnknownCollection = errors.New("unknown collection")
)

// InsertResult reports the outcome of a bulk insert that was accepted as a
// whole. Individual records the destination refused are listed in Rejected
// and do not prevent the rest from committing.
type InsertResult struct {
	Inserted int
	Rejected []Rejection
}

// Rejection identifies one refused record by its index in the batch.
type Rejection struct {
	Index  int
	Reason string
}

// VesselCount is one group of the raw collection.
type VesselCount struct {
	VesselID int64
	Count    int64
}

// Session is a single worker's handle on the store. Sessions are not safe
// for concurrent use; each worker acquires its own.
type Session interface {
	// InsertMany inserts records without ordering guarantees.
	InsertMany(ctx context.Context, coll Collection, records []ais.Record) (InsertResult, error)

	// Find returns up to limit records of one vessel, skipping the first
	// skip, in insertion order.
	Find(ctx context.Context, coll Collection, vesselID int64, skip, limit int) ([]ais.Record, error)

	// CountByVessel returns the record count of every vessel in coll.
	CountByVessel(ctx context.Context, coll Collection) ([]VesselCount, error)

	// Close returns the session's resources to the store.
	Close() error
}

// Store hands out sessions.
type Store interface {
	Session(ctx context.Context) (Session, error)

	// EnsureIndexes creates the vessel and timestamp indexes on both
	// collections if they are missing.
	EnsureIndexes(ctx context.Context) error

	Close() error
}

// Config configures the destination store.
type Config struct {
	Backend    string // "postgres" | "sqlite" | "memory"
	DSN        string // postgres connection string or sqlite file path
	RawTable   string
	CleanTable string
	MaxConns   int32
}

// DefaultConfig returns the table names used by the original collections.
func DefaultConfig() Config {
	return Config{
		Backend:    "postgres",
		RawTable:   "vessel_db",
		CleanTable: "filtered_vessel_db",
		MaxConns:   16,
	}
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c Config) tables() (map[Collection]string, error) {
	raw, clean := c.RawTable, c.CleanTable
	if raw == "" {
		raw = "vessel_db"
	}
	if clean == "" {
		clean = "filtered_vessel_db"
	}
	for _, name := range []string{raw, clean} {
		if !identRE.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	if raw == clean {
		return nil, fmt.Errorf("raw and clean tables must differ (%s)", raw)
	}
	return map[Collection]string{Raw: raw, Clean: clean}, nil
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.With("component", "vesselstore")
	}
	tables, err := cfg.tables()
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("DSN required for postgres backend")
		}
		s, err := OpenPostgres(ctx, cfg.DSN, cfg.MaxConns, tables, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("DSN (file path) required for sqlite backend")
		}
		s, err := OpenSQLite(cfg.DSN, tables, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}
