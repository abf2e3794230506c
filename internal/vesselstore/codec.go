package vesselstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
)

// row is a record flattened into the indexed columns plus its JSON body.
type row struct {
	MMSI    *int64
	TS      *string
	Payload []byte
}

func encodeRecord(rec ais.Record) (row, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return row{}, err
	}
	var r row
	if id, ok := rec.VesselID(); ok {
		r.MMSI = &id
	}
	if ts, ok := rec.TimestampString(); ok {
		r.TS = &ts
	}
	r.Payload = payload
	return r, nil
}

// encodeBatch encodes records, collecting the ones that cannot be
// represented as rejections. index maps each row back to its batch position.
func encodeBatch(records []ais.Record) (rows []row, index []int, rejected []Rejection) {
	rows = make([]row, 0, len(records))
	index = make([]int, 0, len(records))
	for i, rec := range records {
		r, err := encodeRecord(rec)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		rows = append(rows, r)
		index = append(index, i)
	}
	return rows, index, rejected
}

// decodeRecord keeps numbers as json.Number so identities round-trip exactly.
func decodeRecord(payload []byte) (ais.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var rec ais.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
