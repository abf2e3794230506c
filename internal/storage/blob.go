package storage

import (
	"context"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// BlobStore writes archived chunks to a gocloud bucket. Objects become
// visible only when their writer closes successfully.
type BlobStore struct {
	bucket  *blob.Bucket
	baseURI string // "gs://bucket" or "s3://bucket"
	prefix  string
}

var _ ArchiveStore = (*BlobStore)(nil)

// NewBlobStore wraps an opened bucket. The store owns the bucket.
func NewBlobStore(bucket *blob.Bucket, baseURI, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, baseURI: baseURI, prefix: prefix}
}

// NewGCSStore opens a GCS bucket using Application Default Credentials.
func NewGCSStore(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return NewBlobStore(bucket, "gs://"+bucketName, prefix), nil
}

// NewS3Store opens an S3-compatible bucket. endpoint can be empty for AWS
// S3, or a custom URL for B2/R2/MinIO.
func NewS3Store(ctx context.Context, bucketName, prefix, endpoint, region string) (*BlobStore, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return NewBlobStore(bucket, "s3://"+bucketName, prefix), nil
}

// WriteParquet writes parquet bytes to the bucket.
func (s *BlobStore) WriteParquet(ctx context.Context, ref ChunkRef, data []byte) error {
	return s.put(ctx, ref.Path(s.prefix), data, "application/vnd.apache.parquet")
}

// WriteManifest writes a manifest file to the bucket.
func (s *BlobStore) WriteManifest(ctx context.Context, ref ChunkRef, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.put(ctx, ref.ManifestPath(s.prefix), data, "application/json")
}

func (s *BlobStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Exists checks if a chunk's parquet file is already in the bucket.
func (s *BlobStore) Exists(ctx context.Context, ref ChunkRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix))
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.baseURI + "/" + key
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
