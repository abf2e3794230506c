package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsWithMemoryStore(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Clean.Workers != 4 || cfg.Ingest.Workers != 8 {
		t.Errorf("workers clean=%d ingest=%d", cfg.Clean.Workers, cfg.Ingest.Workers)
	}
	if cfg.Clean.PageSize != 10000 || cfg.Clean.MinRecords != 100 || cfg.Ingest.ChunkSize != 10000 {
		t.Errorf("sizes = %+v / %+v", cfg.Clean, cfg.Ingest)
	}
	if cfg.Ingest.RetryDelay != 10*time.Second || cfg.Clean.RetryDelay != time.Second {
		t.Errorf("retry delays ingest=%v clean=%v", cfg.Ingest.RetryDelay, cfg.Clean.RetryDelay)
	}
	if cfg.Checkpoint.Path != "processed_mmsis.txt" {
		t.Errorf("checkpoint path = %q", cfg.Checkpoint.Path)
	}
	if cfg.Store.RawTable != "vessel_db" || cfg.Store.CleanTable != "filtered_vessel_db" {
		t.Errorf("tables = %q, %q", cfg.Store.RawTable, cfg.Store.CleanTable)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeYAML(t, `
store:
  backend: sqlite
  dsn: /var/lib/ais/ais.db
clean:
  workers: 12
  page_size: 5000
  retry_delay: 250ms
archive:
  enabled: true
  backend: s3
  bucket: ais-archive
  allow_overwrite: true
logging:
  level: debug
`)
	t.Setenv("CLEAN_WORKERS", "2")
	t.Setenv("CHECKPOINT_PATH", "/tmp/done.txt")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store.Backend != "sqlite" || cfg.Store.DSN != "/var/lib/ais/ais.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Clean.Workers != 2 {
		t.Errorf("env should override file: workers = %d", cfg.Clean.Workers)
	}
	if cfg.Clean.PageSize != 5000 || cfg.Clean.RetryDelay != 250*time.Millisecond {
		t.Errorf("clean = %+v", cfg.Clean)
	}
	if cfg.Clean.MinRecords != 100 {
		t.Errorf("unset fields keep defaults: min_records = %d", cfg.Clean.MinRecords)
	}
	if !cfg.Archive.Enabled || !cfg.Archive.AllowOverwrite || cfg.Archive.Bucket != "ais-archive" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if cfg.Checkpoint.Path != "/tmp/done.txt" || cfg.Logging.Level != "debug" {
		t.Errorf("checkpoint=%q level=%q", cfg.Checkpoint.Path, cfg.Logging.Level)
	}
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("INGEST_WORKERS", "eight")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "INGEST_WORKERS") {
		t.Fatalf("err = %v, want INGEST_WORKERS error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"memory ok", func(c *Config) { c.Store.Backend = "memory" }, ""},
		{"postgres without dsn", func(c *Config) {}, "store.dsn"},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "unknown store.backend"},
		{"zero workers", func(c *Config) { c.Store.Backend = "memory"; c.Clean.Workers = 0 }, "workers"},
		{"bad checkpoint backend", func(c *Config) { c.Store.Backend = "memory"; c.Checkpoint.Backend = "redis" }, "checkpoint.backend"},
		{"negative min records", func(c *Config) { c.Store.Backend = "memory"; c.Clean.MinRecords = -1 }, "min_records"},
		{"archive without bucket", func(c *Config) {
			c.Store.Backend = "memory"
			c.Archive.Enabled = true
			c.Archive.Backend = "gcs"
		}, "archive.bucket"},
		{"audit without dir", func(c *Config) {
			c.Store.Backend = "memory"
			c.Archive.Enabled = true
			c.Audit.Enabled = true
			c.Audit.Dir = ""
		}, "audit.dir"},
		{"archive disabled ignores backend", func(c *Config) {
			c.Store.Backend = "memory"
			c.Archive.Backend = "ftp"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
