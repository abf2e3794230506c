// Package config loads settings from defaults, an optional YAML file, a
// .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Store      StoreConfig      `yaml:"store"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Clean      CleanConfig      `yaml:"clean"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Audit      AuditConfig      `yaml:"audit"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SourceConfig struct {
	Path       string `yaml:"path"` // local path or s3://, gs://, file:// URL
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	MaxRows    int64  `yaml:"max_rows"` // 0 = unlimited
}

type StoreConfig struct {
	Backend    string `yaml:"backend"` // "postgres" | "sqlite" | "memory"
	DSN        string `yaml:"dsn"`
	RawTable   string `yaml:"raw_table"`
	CleanTable string `yaml:"clean_table"`
	MaxConns   int32  `yaml:"max_conns"`
}

type IngestConfig struct {
	Workers    int           `yaml:"workers"`
	ChunkSize  int           `yaml:"chunk_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type CleanConfig struct {
	Workers          int           `yaml:"workers"`
	PageSize         int           `yaml:"page_size"`
	MinRecords       int64         `yaml:"min_records"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

type CheckpointConfig struct {
	Backend string `yaml:"backend"` // "file" | "bolt"
	Path    string `yaml:"path"`
}

type ArchiveConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Backend        string `yaml:"backend"` // "local" | "gcs" | "s3"
	LocalDir       string `yaml:"local_dir"`
	Bucket         string `yaml:"bucket"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	Prefix         string `yaml:"prefix"`
	Dataset        string `yaml:"dataset"`
	Compression    string `yaml:"compression"`
	AllowOverwrite bool   `yaml:"allow_overwrite"`
}

// AuditConfig controls hash-chained events for archived chunks. It only
// applies when the archive is enabled.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Path:    "data/aisdk-2025-03-01.csv",
			MaxRows: 1_000_000,
		},
		Store: StoreConfig{
			Backend:    "postgres",
			RawTable:   "vessel_db",
			CleanTable: "filtered_vessel_db",
			MaxConns:   16,
		},
		Ingest: IngestConfig{
			Workers:    8,
			ChunkSize:  10000,
			MaxRetries: 3,
			RetryDelay: 10 * time.Second,
		},
		Clean: CleanConfig{
			Workers:          4,
			PageSize:         10000,
			MinRecords:       100,
			MaxRetries:       3,
			RetryDelay:       time.Second,
			ProgressInterval: 30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Path:    "processed_mmsis.txt",
		},
		Archive: ArchiveConfig{
			Backend:     "local",
			LocalDir:    "./data/archive",
			Prefix:      "raw/",
			Compression: "snappy",
		},
		Audit: AuditConfig{
			Dir: "./data/audit",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "ais_cleaner",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() error {
	c.Source.Path = getenvDefault("SOURCE_PATH", c.Source.Path)
	c.Source.S3Endpoint = getenvDefault("SOURCE_S3_ENDPOINT", c.Source.S3Endpoint)
	c.Source.S3Region = getenvDefault("SOURCE_S3_REGION", c.Source.S3Region)

	c.Store.Backend = getenvDefault("STORE_BACKEND", c.Store.Backend)
	c.Store.DSN = getenvDefault("STORE_DSN", c.Store.DSN)
	c.Store.RawTable = getenvDefault("STORE_RAW_TABLE", c.Store.RawTable)
	c.Store.CleanTable = getenvDefault("STORE_CLEAN_TABLE", c.Store.CleanTable)

	c.Checkpoint.Backend = getenvDefault("CHECKPOINT_BACKEND", c.Checkpoint.Backend)
	c.Checkpoint.Path = getenvDefault("CHECKPOINT_PATH", c.Checkpoint.Path)

	c.Archive.Backend = getenvDefault("ARCHIVE_BACKEND", c.Archive.Backend)
	c.Archive.LocalDir = getenvDefault("ARCHIVE_LOCAL_DIR", c.Archive.LocalDir)
	c.Archive.Bucket = getenvDefault("ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.Prefix = getenvDefault("ARCHIVE_PREFIX", c.Archive.Prefix)
	c.Archive.Dataset = getenvDefault("ARCHIVE_DATASET", c.Archive.Dataset)

	c.Audit.Dir = getenvDefault("AUDIT_DIR", c.Audit.Dir)
	c.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", c.Audit.Endpoint)

	c.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", c.Catalog.PostgresDSN)
	c.Catalog.Namespace = getenvDefault("CATALOG_NAMESPACE", c.Catalog.Namespace)

	c.Metrics.Address = getenvDefault("METRICS_ADDRESS", c.Metrics.Address)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)

	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setInt("INGEST_WORKERS", &c.Ingest.Workers)
	setInt("INGEST_CHUNK_SIZE", &c.Ingest.ChunkSize)
	setInt("CLEAN_WORKERS", &c.Clean.Workers)
	setInt("CLEAN_PAGE_SIZE", &c.Clean.PageSize)

	if v := os.Getenv("SOURCE_MAX_ROWS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SOURCE_MAX_ROWS: %w", err))
		} else {
			c.Source.MaxRows = n
		}
	}
	if v := os.Getenv("CLEAN_MIN_RECORDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CLEAN_MIN_RECORDS: %w", err))
		} else {
			c.Clean.MinRecords = n
		}
	}

	if v := os.Getenv("ARCHIVE_ENABLED"); v != "" {
		c.Archive.Enabled = v == "true"
	}
	if v := os.Getenv("ALLOW_OVERWRITE"); v != "" {
		c.Archive.AllowOverwrite = v == "true"
	}
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		c.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true"
	}

	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn required for %s backend", c.Store.Backend))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	switch c.Checkpoint.Backend {
	case "", "file", "bolt":
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint.backend %q", c.Checkpoint.Backend))
	}
	if c.Checkpoint.Path == "" {
		errs = append(errs, errors.New("checkpoint.path required"))
	}

	if c.Ingest.Workers < 1 || c.Clean.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.Ingest.ChunkSize < 1 || c.Clean.PageSize < 1 {
		errs = append(errs, errors.New("ingest.chunk_size and clean.page_size must be positive"))
	}
	if c.Clean.MinRecords < 0 || c.Source.MaxRows < 0 {
		errs = append(errs, errors.New("clean.min_records and source.max_rows must not be negative"))
	}
	if c.Ingest.MaxRetries < 1 || c.Clean.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries must be at least 1"))
	}

	if c.Archive.Enabled {
		switch strings.ToLower(c.Archive.Backend) {
		case "local":
			if c.Archive.LocalDir == "" {
				errs = append(errs, errors.New("archive.local_dir required for local backend"))
			}
		case "gcs", "s3":
			if c.Archive.Bucket == "" {
				errs = append(errs, fmt.Errorf("archive.bucket required for %s backend", c.Archive.Backend))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown archive.backend %q", c.Archive.Backend))
		}
		if c.Audit.Enabled && c.Audit.Dir == "" {
			errs = append(errs, errors.New("audit.dir required when audit is enabled"))
		}
	}

	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
