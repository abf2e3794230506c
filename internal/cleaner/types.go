package cleaner

import (
	"time"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/partition"
)

// UnitState tracks one vessel through a run.
type UnitState int

const (
	StatePending UnitState = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s UnitState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// UnitTask is sent to workers for processing.
type UnitTask struct {
	Unit  partition.WorkUnit
	Index int // dispatch order, for logs
}

// UnitResult is returned from workers to the collector.
type UnitResult struct {
	Task      UnitTask
	State     UnitState
	Pages     int
	Read      int64
	Written   int64
	Rejected  int64
	Discarded int64
	Duration  time.Duration
	Err       error
}

// Report summarizes a cleaning run.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Cancelled bool

	UnitsTotal          int
	Completed           int
	Failed              int
	NotAttempted        int
	SkippedCheckpointed int
	SkippedUndersized   int
	FailedUnits         []int64

	RecordsRead      int64
	RecordsWritten   int64
	RecordsRejected  int64
	RecordsDiscarded int64

	// Planned lists eligible units when the run was a dry run.
	Planned []partition.WorkUnit
}
