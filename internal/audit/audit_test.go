package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
)

func chunkEvent(index int, checksum string) ChunkEvent {
	return ChunkEvent{
		Version:   eventVersion,
		EventType: eventType,
		Timestamp: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Chunk:     ChunkInfo{Dataset: "aisdk-2025-03-01", RunID: "run-1", Index: index, Rows: 10000},
		Tables: map[string]TableInfo{
			"ais_positions_raw": {Checksum: checksum, RowCount: 10000},
		},
	}
}

func sampleEvent(index int) Event {
	return Event{
		Dataset:      "aisdk-2025-03-01",
		RunID:        "run-1",
		Index:        index,
		FirstRow:     int64(index) * 10,
		Rows:         10,
		Checksums:    map[string]string{"ais_positions_raw": "sha256:abc"},
		RowCounts:    map[string]int64{"ais_positions_raw": 10},
		ByteSizes:    map[string]int64{"ais_positions_raw": 2048},
		StoragePaths: map[string]string{"ais_positions_raw": "raw/aisdk-2025-03-01/run=run-1/chunk=000000/part-000000.parquet"},
		Producer:     ProducerInfo{Name: "ais-cleaner", Version: "test"},
	}
}

func TestComputeEventHash(t *testing.T) {
	evt := chunkEvent(0, "sha256:aaa")
	evt.SetChainHashes("")

	if !strings.HasPrefix(evt.Chain.EventHash, "sha256:") {
		t.Errorf("EventHash = %q", evt.Chain.EventHash)
	}
	if evt.Chain.PrevEventHash != "" {
		t.Errorf("first event has prev hash %q", evt.Chain.PrevEventHash)
	}

	same := chunkEvent(0, "sha256:aaa")
	same.SetChainHashes("")
	if same.Chain.EventHash != evt.Chain.EventHash {
		t.Error("identical events produced different hashes")
	}

	linked := chunkEvent(0, "sha256:aaa")
	linked.SetChainHashes("sha256:other")
	if linked.Chain.EventHash == evt.Chain.EventHash {
		t.Error("prev hash does not affect event hash")
	}

	tampered := chunkEvent(0, "sha256:bbb")
	tampered.SetChainHashes("")
	if tampered.Chain.EventHash == evt.Chain.EventHash {
		t.Error("checksum change does not affect event hash")
	}
}

func TestComputeEventHash_TableOrder(t *testing.T) {
	a := chunkEvent(1, "")
	a.Tables = map[string]TableInfo{"zebra": {Checksum: "z"}, "alpha": {Checksum: "a"}}
	b := chunkEvent(1, "")
	b.Tables = map[string]TableInfo{"alpha": {Checksum: "a"}, "zebra": {Checksum: "z"}}

	if ComputeEventHash(&a) != ComputeEventHash(&b) {
		t.Error("table order changed the hash")
	}
}

func TestFileEmitter_ChainsEvents(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileEmitter(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := e.EmitChunk(ctx, sampleEvent(0)); err != nil {
		t.Fatalf("emit 0: %v", err)
	}
	first := e.Head("aisdk-2025-03-01")
	if err := e.EmitChunk(ctx, sampleEvent(1)); err != nil {
		t.Fatalf("emit 1: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "aisdk-2025-03-01_run-1_000001.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got ChunkEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Chain.PrevEventHash != first {
		t.Errorf("prev = %q, want %q", got.Chain.PrevEventHash, first)
	}
	if got.Chain.EventHash != ComputeEventHash(&got) {
		t.Error("stored event hash does not verify")
	}
	if got.Tables["ais_positions_raw"].ByteSize != 2048 || got.Chunk.FirstRow != 10 {
		t.Errorf("event = %+v", got)
	}

	// Heads survive a restart.
	reopened, err := NewFileEmitter(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Head("aisdk-2025-03-01") != got.Chain.EventHash {
		t.Error("chain head not persisted")
	}
}

func TestChainTracker_CorruptHeads(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, headsFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewChainTracker(dir); err == nil {
		t.Fatal("expected error for corrupt chain heads")
	}
}

func TestHTTPEmitter_RetriesThenAdvances(t *testing.T) {
	var calls atomic.Int32
	received := make(chan ChunkEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "collector busy", http.StatusServiceUnavailable)
			return
		}
		var evt ChunkEvent
		json.NewDecoder(r.Body).Decode(&evt)
		received <- evt
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	files, err := NewFileEmitter(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	e := NewHTTPEmitter(srv.URL, files, logging.Discard())
	e.retryDelay = time.Millisecond

	if err := e.EmitChunk(context.Background(), sampleEvent(0)); err != nil {
		t.Fatalf("EmitChunk: %v", err)
	}
	posted := <-received
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if posted.Chain.EventHash == "" || files.Head("aisdk-2025-03-01") != posted.Chain.EventHash {
		t.Errorf("head = %q, posted = %q", files.Head("aisdk-2025-03-01"), posted.Chain.EventHash)
	}
}

func TestHTTPEmitter_FailureKeepsHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	files, err := NewFileEmitter(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	e := NewHTTPEmitter(srv.URL, files, logging.Discard())
	e.retryDelay = time.Millisecond

	err = e.EmitChunk(context.Background(), sampleEvent(0))
	if err == nil || !strings.Contains(err.Error(), "http 400") {
		t.Fatalf("err = %v, want http 400", err)
	}
	if head := files.Head("aisdk-2025-03-01"); head != "" {
		t.Errorf("head advanced to %q after failed post", head)
	}
}

func TestNewEmitter(t *testing.T) {
	e, err := NewEmitter(Config{}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(noopEmitter); !ok {
		t.Errorf("disabled config gave %T", e)
	}

	e, err = NewEmitter(Config{Enabled: true, Dir: t.TempDir()}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*FileEmitter); !ok {
		t.Errorf("file config gave %T", e)
	}

	e, err = NewEmitter(Config{Enabled: true, Dir: t.TempDir(), Endpoint: "http://localhost:1"}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*HTTPEmitter); !ok {
		t.Errorf("endpoint config gave %T", e)
	}

	if _, err := NewEmitter(Config{Enabled: true}, logging.Discard()); err == nil {
		t.Error("expected error without a dir")
	}
}
