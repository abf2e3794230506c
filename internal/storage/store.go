package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrChunkExists is returned when a chunk is already archived and
// overwriting is disabled.
var ErrChunkExists = errors.New("chunk already archived")

// ChunkRef locates one archived ingest chunk.
type ChunkRef struct {
	Dataset    string // "aisdk-2025-03-01"
	RunID      string
	ChunkIndex int
}

// DirPath returns the directory path for this chunk.
func (r ChunkRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s%s/run=%s/chunk=%06d", prefix, r.Dataset, r.RunID, r.ChunkIndex)
}

// Path returns the storage path for this chunk's parquet file.
func (r ChunkRef) Path(prefix string) string {
	return fmt.Sprintf("%s/part-%06d.parquet", r.DirPath(prefix), r.ChunkIndex)
}

// ManifestPath returns the storage path for this chunk's manifest.
func (r ChunkRef) ManifestPath(prefix string) string {
	return r.DirPath(prefix) + "/_manifest.json"
}

// Manifest describes the contents of a chunk directory.
type Manifest struct {
	Chunk     ChunkInfo            `json:"chunk"`
	Tables    map[string]TableInfo `json:"tables"`
	Producer  ProducerInfo         `json:"producer"`
	CreatedAt time.Time            `json:"created_at"`
}

// ChunkInfo describes where the chunk sits in its source.
type ChunkInfo struct {
	Dataset  string `json:"dataset"`
	RunID    string `json:"run_id"`
	Index    int    `json:"index"`
	FirstRow int64  `json:"first_row"`
	Rows     int64  `json:"rows"`
	Vessels  int    `json:"vessels"`
}

// TableInfo describes a single file in the chunk.
type TableInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`

	SchemaVersion string `json:"schema_version,omitempty"`
}

// ProducerInfo describes the software that produced the chunk.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// ArchiveStore abstracts writing archived chunks to storage.
type ArchiveStore interface {
	// WriteParquet writes parquet bytes to storage.
	WriteParquet(ctx context.Context, ref ChunkRef, parquetBytes []byte) error

	// WriteManifest writes a manifest file to storage.
	WriteManifest(ctx context.Context, ref ChunkRef, manifest *Manifest) error

	// Exists checks if a chunk already exists.
	Exists(ctx context.Context, ref ChunkRef) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	Close() error
}

// StorageConfig configures the archive backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string
	S3Region   string

	// Common
	Prefix string // "archive/" (path prefix within bucket or local dir)
}

// NewArchiveStore creates a storage backend based on configuration.
func NewArchiveStore(ctx context.Context, cfg StorageConfig) (ArchiveStore, error) {
	var (
		store ArchiveStore
		err   error
	)
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		store, err = NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		store, err = NewGCSStore(ctx, cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		store, err = NewS3Store(ctx, cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
