// Package ais defines the vessel position record and its field-level validation.
package ais

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Source column names of the tracked fields.
const (
	FieldTimestamp = "# Timestamp"
	FieldNavStatus = "Navigational status"
	FieldMMSI      = "MMSI"
	FieldLatitude  = "Latitude"
	FieldLongitude = "Longitude"
	FieldROT       = "ROT"
	FieldSOG       = "SOG"
	FieldCOG       = "COG"
	FieldHeading   = "Heading"
)

// TimestampLayout is the layout of the timestamp column in the source CSV.
const TimestampLayout = "02/01/2006 15:04:05"

// TrackedFields lists the fields carried into the cleaned collection.
var TrackedFields = []string{
	FieldTimestamp,
	FieldNavStatus,
	FieldMMSI,
	FieldLatitude,
	FieldLongitude,
	FieldROT,
	FieldSOG,
	FieldCOG,
	FieldHeading,
}

// Record is one position report keyed by source column name.
type Record map[string]any

// Clone returns a shallow copy. Values are scalars so this is sufficient.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// VesselID returns the record's MMSI if it parses as a positive integer.
func (r Record) VesselID() (int64, bool) {
	v, ok := r[FieldMMSI]
	if !ok {
		return 0, false
	}
	id, ok := toInt64(v)
	if !ok || id <= 0 {
		return 0, false
	}
	return id, true
}

// TimestampString returns the raw timestamp value when present and non-empty.
func (r Record) TimestampString() (string, bool) {
	v, ok := r[FieldTimestamp]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Timestamp parses the timestamp column using TimestampLayout, in UTC.
func (r Record) Timestamp() (time.Time, bool) {
	s, ok := r.TimestampString()
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Float returns a tracked numeric field as float64.
func (r Record) Float(field string) (float64, bool) {
	v, ok := r[field]
	if !ok {
		return 0, false
	}
	return toFloat64(v)
}

// Project restricts r to the tracked fields. The input is not modified.
func Project(r Record) Record {
	out := make(Record, len(TrackedFields))
	for _, f := range TrackedFields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Persistable reports whether a cleaned record carries the keys the
// cleaned collection is indexed on.
func Persistable(r Record) bool {
	if _, ok := r.VesselID(); !ok {
		return false
	}
	_, ok := r.TimestampString()
	return ok
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toInt64(f)
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
