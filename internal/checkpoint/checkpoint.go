// Package checkpoint records which vessels have been fully cleaned so a
// restarted run never processes them again.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	// ErrCorrupt is returned by Load when stored entries cannot be parsed.
	ErrCorrupt = errors.New("checkpoint storage corrupt")

	// ErrClosed is returned when appending to a closed store.
	ErrClosed = errors.New("checkpoint store closed")
)

// Set holds completed keys.
type Set map[int64]struct{}

// Contains reports whether key has been recorded.
func (s Set) Contains(key int64) bool {
	_, ok := s[key]
	return ok
}

// Add records key in the set.
func (s Set) Add(key int64) {
	s[key] = struct{}{}
}

// Keys returns the recorded keys in ascending order.
func (s Set) Keys() []int64 {
	out := make([]int64, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Store is an append-only record of completed work units.
//
// Entries are never removed or rewritten. Load is called once at startup;
// Append may be called concurrently by workers.
type Store interface {
	// Load returns every recorded key. Missing storage yields an empty set.
	Load(ctx context.Context) (Set, error)

	// Append durably records key. It returns only after the entry
	// would survive a process crash.
	Append(ctx context.Context, key int64) error

	// Close releases the underlying storage.
	Close() error
}

// Config configures the checkpoint store.
type Config struct {
	Backend string // "file" | "bolt"
	Path    string
}

// NewStore creates a checkpoint store based on configuration.
func NewStore(cfg Config, log *slog.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("checkpoint path required")
	}
	if log == nil {
		log = slog.With("component", "checkpoint")
	}

	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path, log), nil
	case "bolt":
		s, err := OpenBoltStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", cfg.Backend)
	}
}
