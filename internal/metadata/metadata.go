// Package metadata keeps a catalog of pipeline runs and per-unit outcomes.
package metadata

import (
	"encoding/json"
	"os"
	"time"
)

// RunSummary is the final state of a run. It is stored in the catalog and
// can also be written as a JSON sidecar next to the checkpoint file.
type RunSummary struct {
	RunID            string    `json:"run_id"`
	Stage            string    `json:"stage"`
	Status           string    `json:"status"` // "completed" | "partial" | "cancelled"
	UnitsTotal       int       `json:"units_total"`
	UnitsCompleted   int       `json:"units_completed"`
	UnitsFailed      int       `json:"units_failed"`
	FailedUnits      []int64   `json:"failed_units,omitempty"`
	RecordsRead      int64     `json:"records_read"`
	RecordsWritten   int64     `json:"records_written"`
	RecordsRejected  int64     `json:"records_rejected"`
	RecordsDiscarded int64     `json:"records_discarded"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Status derives a run status from its counters.
func Status(cancelled bool, failed int) string {
	switch {
	case cancelled:
		return "cancelled"
	case failed > 0:
		return "partial"
	default:
		return "completed"
	}
}

// WriteJSON writes the summary to path.
func (s *RunSummary) WriteJSON(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
