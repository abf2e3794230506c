package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// FileStore keeps one decimal key per line in an append-only text file.
//
// Each Append is a single write of "key\n" followed by fsync. A crash can
// at worst leave a trailing line without its newline; Load ignores such a
// line and the next Append truncates it before writing.
type FileStore struct {
	path string
	log  *slog.Logger

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// NewFileStore returns a store backed by path. The file is created on the
// first Append.
func NewFileStore(path string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.With("component", "checkpoint")
	}
	return &FileStore{path: path, log: log}
}

// Load reads every complete line of the checkpoint file.
func (s *FileStore) Load(ctx context.Context) (Set, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Set{}, nil
		}
		return nil, fmt.Errorf("read checkpoint file %s: %w", s.path, err)
	}

	set, torn, err := parseLines(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if torn > 0 {
		s.log.Warn("ignoring incomplete trailing checkpoint entry",
			"path", s.path,
			"bytes", torn,
		)
	}
	return set, nil
}

// parseLines parses newline-terminated keys. It returns the number of bytes
// in an unterminated final line, which is not included in the set.
func parseLines(data []byte) (Set, int, error) {
	set := Set{}
	lineNo := 0
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return set, len(data), nil
		}
		line := bytes.TrimSpace(data[:i])
		data = data[i+1:]
		lineNo++

		if len(line) == 0 {
			continue
		}
		key, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("line %d %q: %w", lineNo, line, ErrCorrupt)
		}
		set.Add(key)
	}
	return set, 0, nil
}

// Append writes key as a single line and syncs the file.
func (s *FileStore) Append(ctx context.Context, key int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.f == nil {
		f, err := s.openForAppend()
		if err != nil {
			return err
		}
		s.f = f
	}

	line := strconv.AppendInt(nil, key, 10)
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append checkpoint %d: %w", key, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint file: %w", err)
	}
	return nil
}

// openForAppend opens the file and drops any torn trailing line so the
// next write starts on a fresh line.
func (s *FileStore) openForAppend() (*os.File, error) {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file %s: %w", s.path, err)
	}

	end, err := completeLength(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat checkpoint file: %w", err)
	}
	if end < info.Size() {
		s.log.Warn("truncating incomplete trailing checkpoint entry",
			"path", s.path,
			"bytes", info.Size()-end,
		)
		if err := f.Truncate(end); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate checkpoint file: %w", err)
		}
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek checkpoint file: %w", err)
	}
	return f, nil
}

// completeLength returns the offset just past the last newline in f.
func completeLength(f *os.File) (int64, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint file: %w", err)
	}
	i := bytes.LastIndexByte(data, '\n')
	return int64(i + 1), nil
}

// Close closes the file. Further appends fail with ErrClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
