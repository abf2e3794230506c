package vesselstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
)

// MemoryStore keeps both collections in process memory. It applies the
// same encoding rules as the SQL backends, so records that cannot be
// serialized are rejected.
type MemoryStore struct {
	mu    sync.RWMutex
	colls map[Collection][]ais.Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		colls: map[Collection][]ais.Record{Raw: nil, Clean: nil},
	}
}

func (s *MemoryStore) Session(ctx context.Context) (Session, error) {
	return s, nil
}

func (s *MemoryStore) EnsureIndexes(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Records returns a copy of every record in coll, in insertion order.
func (s *MemoryStore) Records(coll Collection) []ais.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ais.Record, len(s.colls[coll]))
	for i, r := range s.colls[coll] {
		out[i] = r.Clone()
	}
	return out
}

func (s *MemoryStore) InsertMany(ctx context.Context, coll Collection, records []ais.Record) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertResult{}, Permanent("insert", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.colls[coll]; !ok {
		return InsertResult{}, Permanent("insert", fmt.Errorf("%w: %s", ErrUnknownCollection, coll))
	}

	var res InsertResult
	for i, rec := range records {
		if _, err := encodeRecord(rec); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		s.colls[coll] = append(s.colls[coll], rec.Clone())
		res.Inserted++
	}
	return res, nil
}

func (s *MemoryStore) Find(ctx context.Context, coll Collection, vesselID int64, skip, limit int) ([]ais.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, Permanent("find", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ais.Record
	seen := 0
	for _, rec := range s.colls[coll] {
		id, ok := rec.VesselID()
		if !ok || id != vesselID {
			continue
		}
		if seen++; seen <= skip {
			continue
		}
		out = append(out, rec.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountByVessel(ctx context.Context, coll Collection) ([]VesselCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[int64]int64)
	var order []int64
	for _, rec := range s.colls[coll] {
		id, ok := rec.VesselID()
		if !ok {
			continue
		}
		if _, seen := counts[id]; !seen {
			order = append(order, id)
		}
		counts[id]++
	}

	out := make([]VesselCount, 0, len(order))
	for _, id := range order {
		out = append(out, VesselCount{VesselID: id, Count: counts[id]})
	}
	return out, nil
}
