package vesselstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
)

func positions(mmsi string, n int) []ais.Record {
	out := make([]ais.Record, n)
	for i := range out {
		out[i] = ais.Record{
			ais.FieldMMSI:      mmsi,
			ais.FieldTimestamp: fmt.Sprintf("01/03/2025 00:00:%02d", i%60),
			"seq":              fmt.Sprint(i),
		}
	}
	return out
}

// exerciseSession runs the same contract checks against any backend.
func exerciseSession(t *testing.T, sess Session) {
	t.Helper()
	ctx := context.Background()

	batch := append(positions("111", 25), positions("222", 5)...)
	res, err := sess.InsertMany(ctx, Raw, batch)
	if err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	if res.Inserted != 30 || len(res.Rejected) != 0 {
		t.Fatalf("InsertMany = %+v, want 30 inserted", res)
	}

	page1, err := sess.Find(ctx, Raw, 111, 0, 10)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	page3, err := sess.Find(ctx, Raw, 111, 20, 10)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(page1) != 10 || len(page3) != 5 {
		t.Fatalf("page sizes = %d, %d; want 10, 5", len(page1), len(page3))
	}
	if page1[0]["seq"] != "0" || page3[0]["seq"] != "20" {
		t.Errorf("pages out of insertion order: %v, %v", page1[0]["seq"], page3[0]["seq"])
	}

	counts, err := sess.CountByVessel(ctx, Raw)
	if err != nil {
		t.Fatalf("CountByVessel: %v", err)
	}
	got := map[int64]int64{}
	for _, c := range counts {
		got[c.VesselID] = c.Count
	}
	if diff := cmp.Diff(map[int64]int64{111: 25, 222: 5}, got); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}

	cleanCounts, _ := sess.CountByVessel(ctx, Clean)
	if len(cleanCounts) != 0 {
		t.Errorf("clean collection should be empty, got %v", cleanCounts)
	}
}

func TestMemoryStore_Contract(t *testing.T) {
	s := NewMemoryStore()
	sess, _ := s.Session(context.Background())
	exerciseSession(t, sess)
}

func TestSQLiteStore_Contract(t *testing.T) {
	tables, _ := DefaultConfig().tables()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ais.db"), tables, logging.Discard())
	if err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED") {
			t.Skip("sqlite driver needs cgo")
		}
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if err := s.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}

	sess, err := s.Session(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	exerciseSession(t, sess)
}

func TestMemoryStore_RejectsUnencodable(t *testing.T) {
	s := NewMemoryStore()
	batch := positions("111", 10)
	batch[3][ais.FieldSOG] = math.NaN()
	batch[7][ais.FieldCOG] = math.Inf(1)

	res, err := s.InsertMany(context.Background(), Clean, batch)
	if err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	if res.Inserted != 8 {
		t.Errorf("Inserted = %d, want 8", res.Inserted)
	}
	if len(res.Rejected) != 2 || res.Rejected[0].Index != 3 || res.Rejected[1].Index != 7 {
		t.Errorf("Rejected = %+v", res.Rejected)
	}
	if n := len(s.Records(Clean)); n != 8 {
		t.Errorf("stored %d records, want 8", n)
	}
}

func TestMemoryStore_UnknownCollection(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.InsertMany(context.Background(), Collection("other"), positions("1", 1))
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
	if KindOf(err) != KindPermanent {
		t.Errorf("unknown collection should be permanent")
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"transient", Transient("copy", base), KindTransient},
		{"permanent", Permanent("copy", base), KindPermanent},
		{"wrapped", fmt.Errorf("page 3: %w", Permanent("find", base)), KindPermanent},
		{"untagged", base, KindTransient},
		{"canceled", context.Canceled, KindPermanent},
	}
	for _, tc := range tests {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: KindOf = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConfigTables(t *testing.T) {
	if _, err := (Config{RawTable: "raw; DROP TABLE x"}).tables(); err == nil {
		t.Error("expected invalid table name error")
	}
	if _, err := (Config{RawTable: "same", CleanTable: "same"}).tables(); err == nil {
		t.Error("expected error for identical tables")
	}
	tables, err := (Config{}).tables()
	if err != nil {
		t.Fatal(err)
	}
	if tables[Raw] != "vessel_db" || tables[Clean] != "filtered_vessel_db" {
		t.Errorf("default tables = %v", tables)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "mongo"}, logging.Discard())
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestDecodeRecordKeepsNumbers(t *testing.T) {
	rec, err := decodeRecord([]byte(`{"MMSI": 219000001, "Latitude": 55.5}`))
	if err != nil {
		t.Fatal(err)
	}
	id, ok := rec.VesselID()
	if !ok || id != 219000001 {
		t.Errorf("VesselID = %d, %v", id, ok)
	}
}
