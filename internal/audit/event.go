// Package audit emits a tamper-evident, hash-chained event for every raw
// chunk written to the archive.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const (
	eventVersion = "1.0"
	eventType    = "raw_chunk_archived"
)

// ChunkEvent records one archived chunk.
type ChunkEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Chunk    ChunkInfo            `json:"chunk"`
	Tables   map[string]TableInfo `json:"tables"`
	Producer ProducerInfo         `json:"producer"`
	Chain    ChainInfo            `json:"chain"`
}

// ChunkInfo identifies the archived chunk.
type ChunkInfo struct {
	Dataset  string `json:"dataset"`
	RunID    string `json:"run_id"`
	Index    int    `json:"index"`
	FirstRow int64  `json:"first_row"`
	Rows     int64  `json:"rows"`
}

type TableInfo struct {
	Checksum    string `json:"checksum"`
	RowCount    int64  `json:"row_count"`
	StoragePath string `json:"storage_path"`
	ByteSize    int64  `json:"byte_size"`
}

type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// ChainInfo links an event to its predecessor in the same chain.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey groups events of one dataset. Chunks of every run of a dataset
// form a single chain.
func (c ChunkInfo) ChainKey() string {
	return c.Dataset
}

// ComputeEventHash hashes the canonical JSON form of evt with EventHash
// cleared. Map keys are sorted by encoding/json, so table order does not
// matter.
func ComputeEventHash(evt *ChunkEvent) string {
	cp := *evt
	cp.Chain.EventHash = ""

	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SetChainHashes links evt to prev and computes its own hash.
func (evt *ChunkEvent) SetChainHashes(prev string) {
	evt.Chain.PrevEventHash = prev
	evt.Chain.EventHash = ComputeEventHash(evt)
}

// Event is what the ingester hands to an Emitter; the emitter fills in
// identity and chain fields.
type Event struct {
	Dataset      string
	RunID        string
	Index        int
	FirstRow     int64
	Rows         int64
	Checksums    map[string]string
	RowCounts    map[string]int64
	ByteSizes    map[string]int64
	StoragePaths map[string]string
	Producer     ProducerInfo
}

func (e Event) toChunkEvent(id string, now time.Time) ChunkEvent {
	tables := make(map[string]TableInfo, len(e.Checksums))
	for name, checksum := range e.Checksums {
		tables[name] = TableInfo{
			Checksum:    checksum,
			RowCount:    e.RowCounts[name],
			ByteSize:    e.ByteSizes[name],
			StoragePath: e.StoragePaths[name],
		}
	}
	return ChunkEvent{
		Version:   eventVersion,
		EventType: eventType,
		EventID:   id,
		Timestamp: now,
		Chunk: ChunkInfo{
			Dataset:  e.Dataset,
			RunID:    e.RunID,
			Index:    e.Index,
			FirstRow: e.FirstRow,
			Rows:     e.Rows,
		},
		Tables:   tables,
		Producer: e.Producer,
	}
}
