package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSONCarriesScope(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, Config{Format: "JSON", Level: "debug"})

	UnitLogger(WorkerLogger(base, 3), "abc123", 219000001, 150).Debug("page cleaned", "page", 0)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	for key, want := range map[string]any{
		"msg":            "page cleaned",
		"worker_id":      float64(3),
		"correlation_id": "abc123",
		"mmsi":           float64(219000001),
		"raw_records":    float64(150),
	} {
		if line[key] != want {
			t.Errorf("%s = %v, want %v", key, line[key], want)
		}
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Level: "warn"})

	log.Info("hidden")
	ChunkLogger(log, 7, 70000, 10000).Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "chunk=7") || !strings.Contains(out, "first_row=70000") {
		t.Errorf("chunk scope missing: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewCorrelationID(t *testing.T) {
	a, b := NewCorrelationID(), NewCorrelationID()
	if len(a) != 16 || a == b {
		t.Errorf("ids = %q, %q", a, b)
	}
}
