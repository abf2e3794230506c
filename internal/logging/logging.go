// Package logging configures slog and derives the scoped loggers used by
// workers, vessels and chunks.
package logging

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup installs the default logger. Logs go to stderr; stdout carries
// command output such as run summaries.
func Setup(cfg Config) {
	slog.SetDefault(New(os.Stderr, cfg))
}

// New builds a logger writing to w.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewCorrelationID returns a random 16-character hex ID that ties together
// the log lines of one vessel's processing.
func NewCorrelationID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// UnitLogger scopes base to one vessel.
func UnitLogger(base *slog.Logger, correlationID string, vesselID, recordCount int64) *slog.Logger {
	return orDefault(base).With(
		"correlation_id", correlationID,
		"mmsi", vesselID,
		"raw_records", recordCount,
	)
}

// ChunkLogger scopes base to one ingest chunk.
func ChunkLogger(base *slog.Logger, index int, firstRow int64, rows int) *slog.Logger {
	return orDefault(base).With("chunk", index, "first_row", firstRow, "rows", rows)
}

func WorkerLogger(base *slog.Logger, workerID int) *slog.Logger {
	return orDefault(base).With("worker_id", workerID)
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

// OrComponent returns log when set, otherwise Component(name).
func OrComponent(log *slog.Logger, name string) *slog.Logger {
	if log != nil {
		return log
	}
	return Component(name)
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
