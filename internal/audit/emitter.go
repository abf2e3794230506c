package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
)

// Emitter records archived chunks. Implementations are safe for
// concurrent use.
type Emitter interface {
	EmitChunk(ctx context.Context, evt Event) error
	Close() error
}

type Config struct {
	Enabled  bool
	Dir      string // chain heads and JSON copies of every event
	Endpoint string // optional HTTP collector
}

// NewEmitter returns an HTTP emitter when an endpoint is configured, a
// file emitter otherwise, and a no-op emitter when auditing is disabled.
func NewEmitter(cfg Config, log *slog.Logger) (Emitter, error) {
	log = logging.OrComponent(log, "audit")
	if !cfg.Enabled {
		return Noop(), nil
	}

	files, err := NewFileEmitter(cfg.Dir, log)
	if err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		log.Info("audit events written to files", "dir", cfg.Dir)
		return files, nil
	}
	log.Info("audit events posted", "endpoint", cfg.Endpoint, "dir", cfg.Dir)
	return NewHTTPEmitter(cfg.Endpoint, files, log), nil
}

// Noop returns an emitter that discards events.
func Noop() Emitter { return noopEmitter{} }

type noopEmitter struct{}

func (noopEmitter) EmitChunk(context.Context, Event) error { return nil }
func (noopEmitter) Close() error                         { return nil }

// FileEmitter writes each event to {dir}/{dataset}_{run}_{chunk}.json and
// keeps chain heads next to them.
type FileEmitter struct {
	dir   string
	chain *ChainTracker
	log   *slog.Logger
}

func NewFileEmitter(dir string, log *slog.Logger) (*FileEmitter, error) {
	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, err
	}
	return &FileEmitter{dir: dir, chain: chain, log: logging.OrComponent(log, "audit")}, nil
}

func (e *FileEmitter) EmitChunk(ctx context.Context, evt Event) error {
	ce := evt.toChunkEvent(uuid.New().String(), time.Now().UTC())
	return e.chain.Advance(&ce, e.save)
}

// Head returns the current chain head for a dataset.
func (e *FileEmitter) Head(dataset string) string {
	return e.chain.Head(dataset)
}

func (e *FileEmitter) save(evt *ChunkEvent) error {
	name := fmt.Sprintf("%s_%s_%06d.json", evt.Chunk.Dataset, evt.Chunk.RunID, evt.Chunk.Index)
	path := filepath.Join(e.dir, name)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	e.log.Debug("audit event written",
		"path", path,
		"prev_hash", evt.Chain.PrevEventHash,
		"event_hash", evt.Chain.EventHash,
	)
	return nil
}

func (e *FileEmitter) Close() error { return nil }
