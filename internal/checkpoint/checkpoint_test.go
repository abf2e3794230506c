package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "processed_mmsis.txt")
	s := NewFileStore(path, logging.Discard())
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s, _ := newFileStore(t)

	set, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(set) != 0 {
		t.Errorf("expected empty set, got %v", set)
	}
}

func TestFileStore_AppendThenLoad(t *testing.T) {
	s, path := newFileStore(t)
	ctx := context.Background()

	for _, k := range []int64{219000001, 123456789} {
		if err := s.Append(ctx, k); err != nil {
			t.Fatalf("Append(%d): %v", k, err)
		}
	}
	s.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "219000001\n123456789\n" {
		t.Errorf("file contents = %q", data)
	}

	fresh := NewFileStore(path, logging.Discard())
	defer fresh.Close()
	set, err := fresh.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]int64{123456789, 219000001}, set.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStore_TornTrailingLine(t *testing.T) {
	s, path := newFileStore(t)
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("111\n222\n33"), 0644); err != nil {
		t.Fatal(err)
	}

	set, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.Contains(33) || len(set) != 2 {
		t.Errorf("torn entry should be ignored, got %v", set.Keys())
	}

	if err := s.Append(ctx, 444); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "111\n222\n444\n" {
		t.Errorf("file contents after repair = %q", data)
	}
}

func TestFileStore_CorruptLineIsFatal(t *testing.T) {
	s, path := newFileStore(t)

	os.MkdirAll(filepath.Dir(path), 0755)
	if err := os.WriteFile(path, []byte("111\nnot-a-key\n222\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load(context.Background())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestFileStore_UnreadableIsFatal(t *testing.T) {
	dir := t.TempDir()
	// A directory at the checkpoint path cannot be read as a file.
	s := NewFileStore(dir, logging.Discard())

	if _, err := s.Load(context.Background()); err == nil {
		t.Fatal("expected error loading a directory")
	}
}

func TestFileStore_ConcurrentAppends(t *testing.T) {
	s, path := newFileStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(k int64) {
			defer wg.Done()
			if err := s.Append(ctx, k); err != nil {
				t.Errorf("Append(%d): %v", k, err)
			}
		}(int64(i))
	}
	wg.Wait()

	set, err := NewFileStore(path, logging.Discard()).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(set) != 50 {
		t.Errorf("got %d keys, want 50", len(set))
	}
}

func TestFileStore_AppendAfterClose(t *testing.T) {
	s, _ := newFileStore(t)
	s.Close()

	if err := s.Append(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestBoltStore_AppendThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	s, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	for _, k := range []int64{5, 3, 9, 3} {
		if err := s.Append(ctx, k); err != nil {
			t.Fatalf("Append(%d): %v", k, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	set, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]int64{3, 5, 9}, set.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestNewStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{Backend: "file", Path: filepath.Join(dir, "a.txt")}, false},
		{Config{Path: filepath.Join(dir, "b.txt")}, false},
		{Config{Backend: "bolt", Path: filepath.Join(dir, "c.db")}, false},
		{Config{Backend: "redis", Path: filepath.Join(dir, "d")}, true},
		{Config{Backend: "file"}, true},
	}

	for _, tc := range tests {
		s, err := NewStore(tc.cfg, logging.Discard())
		if (err != nil) != tc.wantErr {
			t.Errorf("NewStore(%+v) error = %v, wantErr %v", tc.cfg, err, tc.wantErr)
		}
		if s != nil {
			s.Close()
		}
	}
}
