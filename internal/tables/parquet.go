package tables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
)

// ParquetOutput is one encoded chunk.
type ParquetOutput struct {
	Bytes    []byte
	Checksum string
	RowCount int64
	Vessels  int // distinct parseable MMSIs
}

// ExtractPositionRow converts a raw record into an archive row.
func ExtractPositionRow(rec ais.Record, sourceRow int64, cfg ParquetConfig, ingestedAt time.Time) (PositionRow, error) {
	fields, err := json.Marshal(rec)
	if err != nil {
		return PositionRow{}, fmt.Errorf("encode fields of row %d: %w", sourceRow, err)
	}

	row := PositionRow{
		SourceRow:  sourceRow,
		Fields:     string(fields),
		Dataset:    cfg.Dataset,
		IngestedAt: ingestedAt,
	}
	if id, ok := rec.VesselID(); ok {
		row.MMSI = &id
	}
	if s, ok := rec.TimestampString(); ok {
		row.TimestampRaw = s
	}
	if ts, ok := rec.Timestamp(); ok {
		ms := ts.UnixMilli()
		row.EventTimeMs = &ms
	}
	if s, ok := rec[ais.FieldNavStatus].(string); ok {
		row.NavStatus = s
	}

	row.Latitude = floatPtr(rec, ais.FieldLatitude)
	row.Longitude = floatPtr(rec, ais.FieldLongitude)
	row.ROT = floatPtr(rec, ais.FieldROT)
	row.SOG = floatPtr(rec, ais.FieldSOG)
	row.COG = floatPtr(rec, ais.FieldCOG)
	row.Heading = floatPtr(rec, ais.FieldHeading)
	return row, nil
}

func floatPtr(rec ais.Record, field string) *float64 {
	f, ok := rec.Float(field)
	if !ok {
		return nil
	}
	return &f
}

// ChunkToParquet encodes records as a single parquet file. firstRow is the
// source row index of records[0].
func ChunkToParquet(records []ais.Record, firstRow int64, cfg ParquetConfig, ingestedAt time.Time) (*ParquetOutput, error) {
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	rows := make([]PositionRow, 0, len(records))
	vessels := make(map[int64]struct{})
	for i, rec := range records {
		row, err := ExtractPositionRow(rec, firstRow+int64(i), cfg, ingestedAt)
		if err != nil {
			return nil, err
		}
		if row.MMSI != nil {
			vessels[*row.MMSI] = struct{}{}
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[PositionRow](&buf, parquet.Compression(codec))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	data := buf.Bytes()
	return &ParquetOutput{
		Bytes:    data,
		Checksum: ComputeChecksum(data),
		RowCount: int64(len(rows)),
		Vessels:  len(vessels),
	}, nil
}

func compressionCodec(name string) (compress.Codec, error) {
	switch name {
	case "", "snappy":
		return &parquet.Snappy, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression %q", name)
	}
}
