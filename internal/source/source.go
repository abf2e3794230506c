// Package source opens AIS position exports and reads them as records.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// ErrEmptySource is returned when the input has no header row.
var ErrEmptySource = errors.New("source has no header row")

// BucketConfig carries the S3 settings that cannot be expressed in a bare
// s3:// location.
type BucketConfig struct {
	S3Endpoint string
	S3Region   string
}

// Open returns a reader over location, which is either a local path or a
// bucket URL (s3://bucket/key, gs://bucket/key, file:///dir/key). Objects
// ending in .zst or .gz are decompressed.
func Open(ctx context.Context, location string, cfg BucketConfig) (io.ReadCloser, error) {
	bucketURL, key, ok := splitBucketURL(location, cfg)
	if !ok {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open source %s: %w", location, err)
		}
		return decompress(location, f)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	rc, err := OpenObject(ctx, bucket, key)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return &stackedReader{Reader: rc, closers: []func() error{rc.Close, bucket.Close}}, nil
}

// OpenObject reads key from an already opened bucket.
func OpenObject(ctx context.Context, bucket *blob.Bucket, key string) (io.ReadCloser, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return decompress(key, r)
}

// splitBucketURL separates a bucket URL into the URL gocloud opens and the
// object key. ok is false for plain paths.
func splitBucketURL(location string, cfg BucketConfig) (bucketURL, key string, ok bool) {
	u, err := url.Parse(location)
	if err != nil || len(u.Scheme) < 2 {
		return "", "", false
	}

	switch u.Scheme {
	case "file":
		dir, base := path.Split(u.Path)
		return "file://" + strings.TrimSuffix(dir, "/"), base, true

	case "s3":
		params := u.Query()
		if cfg.S3Region != "" && params.Get("region") == "" {
			params.Set("region", cfg.S3Region)
		}
		if cfg.S3Endpoint != "" && params.Get("endpoint") == "" {
			params.Set("endpoint", cfg.S3Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		bucketURL = "s3://" + u.Host
		if len(params) > 0 {
			bucketURL += "?" + params.Encode()
		}
		return bucketURL, strings.TrimPrefix(u.Path, "/"), true

	case "gs", "mem":
		bucketURL = u.Scheme + "://" + u.Host
		if u.RawQuery != "" {
			bucketURL += "?" + u.RawQuery
		}
		return bucketURL, strings.TrimPrefix(u.Path, "/"), true
	}
	return "", "", false
}
