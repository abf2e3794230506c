package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore keeps the archive under a directory on local disk.
type LocalStore struct {
	root   string
	prefix string
}

var _ ArchiveStore = (*LocalStore)(nil)

func NewLocalStore(root, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root %s: %w", root, err)
	}
	return &LocalStore{root: root, prefix: prefix}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) WriteParquet(ctx context.Context, ref ChunkRef, data []byte) error {
	return replaceFile(s.path(ref.Path(s.prefix)), data)
}

func (s *LocalStore) WriteManifest(ctx context.Context, ref ChunkRef, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return replaceFile(s.path(ref.ManifestPath(s.prefix)), data)
}

// Exists reports whether the chunk's parquet file is present.
func (s *LocalStore) Exists(ctx context.Context, ref ChunkRef) (bool, error) {
	_, err := os.Stat(s.path(ref.Path(s.prefix)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// URI returns an absolute file:// URI for key.
func (s *LocalStore) URI(key string) string {
	p := s.path(key)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return "file://" + filepath.ToSlash(p)
}

func (s *LocalStore) Close() error { return nil }

// replaceFile writes data next to path, syncs it and renames it over path,
// so readers see either the old file or the complete new one.
func replaceFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", f.Name(), err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.Name(), err)
	}
	if err = os.Chmod(f.Name(), 0o644); err != nil {
		return err
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
