package tables

import (
	"time"
)

// PositionRow is one raw position report in the archive table. Numeric
// columns are parsed leniently: a cell that does not parse is null, and the
// original text is always preserved in Fields.
type PositionRow struct {
	// Position of the row in its source, counting data rows from zero
	SourceRow int64 `parquet:"source_row"`

	MMSI *int64 `parquet:"mmsi,optional"`

	// Temporal fields
	TimestampRaw string `parquet:"timestamp_raw"`
	EventTimeMs  *int64 `parquet:"event_time_ms,optional"` // parsed TimestampRaw, UTC

	// Kinematics
	Latitude  *float64 `parquet:"latitude,optional"`
	Longitude *float64 `parquet:"longitude,optional"`
	ROT       *float64 `parquet:"rot,optional"`
	SOG       *float64 `parquet:"sog,optional"`
	COG       *float64 `parquet:"cog,optional"`
	Heading   *float64 `parquet:"heading,optional"`

	NavStatus string `parquet:"navigational_status"`

	// Raw data preservation: every source column as a JSON object
	Fields string `parquet:"fields"`

	// Ingestion metadata
	Dataset    string    `parquet:"dataset"`
	IngestedAt time.Time `parquet:"ingested_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (PositionRow) TableName() string {
	return "ais_positions_raw"
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Dataset     string
	Compression string // "snappy" | "zstd" | "none"
}

// SchemaVersion is recorded in every manifest. Bump it when PositionRow
// changes incompatibly.
const SchemaVersion = "1.0.0"
