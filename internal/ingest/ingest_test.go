package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/audit"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/source"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/storage"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/vesselstore"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/writer"
)

// scriptedReader returns the given chunks in order, then io.EOF or err.
type scriptedReader struct {
	chunks [][]ais.Record
	err    error
}

func (r *scriptedReader) ReadChunk(ctx context.Context, n int) ([]ais.Record, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		return nil, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func positions(n int) []ais.Record {
	out := make([]ais.Record, n)
	for i := range out {
		out[i] = ais.Record{
			ais.FieldTimestamp: fmt.Sprintf("01/03/2025 00:00:%02d", i%60),
			ais.FieldMMSI:      fmt.Sprint(219000000 + i%3),
			ais.FieldLatitude:  "55.1",
		}
	}
	return out
}

func csvSource(t *testing.T, rows int) *source.Reader {
	t.Helper()
	var b strings.Builder
	b.WriteString("# Timestamp,MMSI,Latitude,Longitude\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "01/03/2025 00:00:%02d,%d,55.%d,12.5\n", i%60, 219000000+i%4, i%10)
	}
	r, err := source.NewReader(strings.NewReader(b.String()), source.ReaderOptions{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func testOptions() Options {
	return Options{
		Workers:   3,
		ChunkSize: 10,
		Retry:     writer.RetryPolicy{MaxAttempts: 2, BaseDelay: 0},
		RunID:     "run-1",
		Logger:    logging.Discard(),
	}
}

func TestIngest_CSVToRaw(t *testing.T) {
	store := vesselstore.NewMemoryStore()
	report, err := New(store, testOptions()).Run(context.Background(), csvSource(t, 25))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.RowsRead != 25 || report.RecordsInserted != 25 {
		t.Errorf("rows_read=%d inserted=%d, want 25/25", report.RowsRead, report.RecordsInserted)
	}
	if report.ChunksTotal != 3 || report.ChunksWritten != 3 || report.ChunksFailed != 0 {
		t.Errorf("chunks total=%d written=%d failed=%d", report.ChunksTotal, report.ChunksWritten, report.ChunksFailed)
	}
	if got := len(store.Records(vesselstore.Raw)); got != 25 {
		t.Errorf("raw collection has %d records, want 25", got)
	}

	counts, err := store.CountByVessel(context.Background(), vesselstore.Raw)
	if err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, c := range counts {
		total += c.Count
	}
	if len(counts) != 4 || total != 25 {
		t.Errorf("CountByVessel = %+v", counts)
	}
}

func TestIngest_MalformedRowsCounted(t *testing.T) {
	csv := "# Timestamp,MMSI\n01/03/2025 00:00:00,1\nbroken\n01/03/2025 00:00:01,1\n"
	src, err := source.NewReader(strings.NewReader(csv), source.ReaderOptions{Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}

	report, err := New(vesselstore.NewMemoryStore(), testOptions()).Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.RowsMalformed != 1 || report.RecordsInserted != 2 {
		t.Errorf("malformed=%d inserted=%d, want 1/2", report.RowsMalformed, report.RecordsInserted)
	}
}

type failingStore struct {
	*vesselstore.MemoryStore
}

func (f failingStore) Session(ctx context.Context) (vesselstore.Session, error) {
	return f, nil
}

func (f failingStore) InsertMany(ctx context.Context, coll vesselstore.Collection, recs []ais.Record) (vesselstore.InsertResult, error) {
	if len(recs) > 0 && recs[0][ais.FieldLatitude] == "bad" {
		return vesselstore.InsertResult{}, vesselstore.Transient("insert", errors.New("server selection timeout"))
	}
	return f.MemoryStore.InsertMany(ctx, coll, recs)
}

func TestIngest_FailedChunksDoNotStopRun(t *testing.T) {
	bad := positions(10)
	bad[0][ais.FieldLatitude] = "bad"
	src := &scriptedReader{chunks: [][]ais.Record{positions(10), bad, positions(5)}}
	store := failingStore{vesselstore.NewMemoryStore()}

	report, err := New(store, testOptions()).Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ChunksWritten != 2 || report.ChunksFailed != 1 {
		t.Errorf("written=%d failed=%d", report.ChunksWritten, report.ChunksFailed)
	}
	if diff := cmp.Diff([]int{1}, report.FailedChunks); diff != "" {
		t.Errorf("FailedChunks mismatch (-want +got):\n%s", diff)
	}
	if report.RecordsInserted != 15 {
		t.Errorf("inserted = %d, want 15", report.RecordsInserted)
	}
	if s := Summary(report); s.Status != "partial" || s.UnitsFailed != 1 {
		t.Errorf("Summary = %+v", s)
	}
}

func TestIngest_EmptyChunkSkipped(t *testing.T) {
	src := &scriptedReader{chunks: [][]ais.Record{positions(4), {}, positions(3)}}
	report, err := New(vesselstore.NewMemoryStore(), testOptions()).Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ChunksEmpty != 1 || report.ChunksWritten != 2 || report.RecordsInserted != 7 {
		t.Errorf("empty=%d written=%d inserted=%d", report.ChunksEmpty, report.ChunksWritten, report.RecordsInserted)
	}
}

func TestIngest_SourceErrorIsReturned(t *testing.T) {
	src := &scriptedReader{chunks: [][]ais.Record{positions(10)}, err: errors.New("unexpected EOF in gzip stream")}
	store := vesselstore.NewMemoryStore()

	_, err := New(store, testOptions()).Run(context.Background(), src)
	if err == nil || !strings.Contains(err.Error(), "read chunk 1") {
		t.Fatalf("err = %v, want read chunk error", err)
	}
}

func TestIngest_ArchiveChunks(t *testing.T) {
	dir := t.TempDir()
	archive, err := storage.NewLocalStore(dir, "archive/")
	if err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.Archive = Archive{Store: archive, Dataset: "aisdk-2025-03-01", Producer: storage.ProducerInfo{Name: "ais-cleaner", Version: "test"}}

	report, err := New(vesselstore.NewMemoryStore(), opts).Run(context.Background(), csvSource(t, 25))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ChunksArchived != 3 {
		t.Fatalf("archived = %d, want 3", report.ChunksArchived)
	}

	var files []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	slices.Sort(files)
	want := []string{
		"archive/aisdk-2025-03-01/run=run-1/chunk=000000/_manifest.json",
		"archive/aisdk-2025-03-01/run=run-1/chunk=000000/part-000000.parquet",
		"archive/aisdk-2025-03-01/run=run-1/chunk=000001/_manifest.json",
		"archive/aisdk-2025-03-01/run=run-1/chunk=000001/part-000001.parquet",
		"archive/aisdk-2025-03-01/run=run-1/chunk=000002/_manifest.json",
		"archive/aisdk-2025-03-01/run=run-1/chunk=000002/part-000002.parquet",
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("archive layout mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "archive/aisdk-2025-03-01/run=run-1/chunk=000001/_manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m storage.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	table := m.Tables["ais_positions_raw"]
	if m.Chunk.FirstRow != 10 || m.Chunk.Rows != 10 || table.SchemaVersion == "" || table.File != "part-000001.parquet" {
		t.Errorf("manifest = %+v", m)
	}

	// Same run ID again: chunks exist and overwriting is off.
	again, err := New(vesselstore.NewMemoryStore(), opts).Run(context.Background(), csvSource(t, 25))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.ChunksArchived != 0 || again.ChunksWritten != 3 {
		t.Errorf("second run archived=%d written=%d", again.ChunksArchived, again.ChunksWritten)
	}

	opts.Archive.AllowOverwrite = true
	third, err := New(vesselstore.NewMemoryStore(), opts).Run(context.Background(), csvSource(t, 25))
	if err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if third.ChunksArchived != 3 {
		t.Errorf("overwrite run archived = %d, want 3", third.ChunksArchived)
	}
}

func TestIngest_ArchiveEmitsAuditChain(t *testing.T) {
	dir := t.TempDir()
	archive, err := storage.NewLocalStore(filepath.Join(dir, "archive"), "raw/")
	if err != nil {
		t.Fatal(err)
	}
	emitter, err := audit.NewFileEmitter(filepath.Join(dir, "audit"), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.Archive = Archive{Store: archive, Dataset: "aisdk", Audit: emitter}

	report, err := New(vesselstore.NewMemoryStore(), opts).Run(context.Background(), csvSource(t, 25))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ChunksArchived != 3 {
		t.Fatalf("archived = %d, want 3", report.ChunksArchived)
	}
	if emitter.Head("aisdk") == "" {
		t.Error("audit chain head not set")
	}
	events, _ := filepath.Glob(filepath.Join(dir, "audit", "aisdk_run-1_*.json"))
	if len(events) != 3 {
		t.Errorf("audit events = %v, want 3", events)
	}
}

func TestIngest_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := vesselstore.NewMemoryStore()
	report, err := New(store, testOptions()).Run(ctx, csvSource(t, 25))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Cancelled || report.RecordsInserted != 0 {
		t.Errorf("cancelled=%v inserted=%d", report.Cancelled, report.RecordsInserted)
	}
}
