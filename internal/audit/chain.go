package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const headsFile = "audit-chain-heads.json"

// ChainTracker persists the last event hash of each chain.
type ChainTracker struct {
	mu       sync.Mutex
	heads    map[string]string
	filePath string
}

// NewChainTracker loads chain heads from dir, creating it if needed.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if dir == "" {
		return nil, errors.New("audit dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	ct := &ChainTracker{
		heads:    make(map[string]string),
		filePath: filepath.Join(dir, headsFile),
	}
	data, err := os.ReadFile(ct.filePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &ct.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads %s: %w", ct.filePath, err)
		}
	}
	return ct, nil
}

// Head returns the last event hash of a chain, or "" for a new chain.
func (ct *ChainTracker) Head(key string) string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.heads[key]
}

// Advance links evt to the current head of its chain, stores the event
// with save and moves the head. The head only moves when save succeeds.
// Events of one tracker are linked one at a time.
func (ct *ChainTracker) Advance(evt *ChunkEvent, save func(*ChunkEvent) error) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	key := evt.Chunk.ChainKey()
	evt.SetChainHashes(ct.heads[key])
	if err := save(evt); err != nil {
		return err
	}

	ct.heads[key] = evt.Chain.EventHash
	return ct.persist()
}

func (ct *ChainTracker) persist() error {
	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := ct.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	return os.Rename(tmp, ct.filePath)
}
