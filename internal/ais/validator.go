package ais

import (
	"math"
	"strings"
)

// Validate returns a cleaned copy of r holding only the tracked fields that
// pass their checks. Fields that fail are dropped individually; the record
// itself is never rejected for a single bad field. ok is false when no
// field survives, in which case the record should be discarded.
//
// MMSI is normalised to int64 and the numeric fields to float64.
func Validate(r Record) (clean Record, ok bool) {
	clean = make(Record, len(TrackedFields))

	for _, field := range TrackedFields {
		v, present := r[field]
		if !present || isEmpty(v) {
			continue
		}

		switch field {
		case FieldMMSI:
			id, ok := toInt64(v)
			if !ok || id <= 0 {
				continue
			}
			clean[field] = id

		case FieldLatitude:
			if f, ok := toFloat64(v); ok && f >= -90 && f <= 90 {
				clean[field] = f
			}

		case FieldLongitude:
			if f, ok := toFloat64(v); ok && f >= -180 && f <= 180 {
				clean[field] = f
			}

		case FieldROT, FieldSOG, FieldCOG, FieldHeading:
			if f, ok := toFloat64(v); ok {
				clean[field] = f
			}

		case FieldNavStatus:
			s, ok := v.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s == "" || strings.EqualFold(s, "unknown") {
				continue
			}
			clean[field] = s

		case FieldTimestamp:
			clean[field] = v
		}
	}

	if len(clean) == 0 {
		return nil, false
	}
	return clean, true
}

// isEmpty reports values treated as absent: nil, blank strings and NaN.
// CSV readers and dataframe exports use both for missing cells.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case float64:
		return math.IsNaN(t)
	case float32:
		return math.IsNaN(float64(t))
	}
	return false
}
