package cleaner

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metrics"
)

// Progress holds monotonic counters shared by workers.
type Progress struct {
	unitsDone      atomic.Int64
	recordsWritten atomic.Int64
	inFlight       atomic.Int64
}

// Snapshot is a point-in-time copy of Progress.
type Snapshot struct {
	UnitsDone      int64
	RecordsWritten int64
	InFlight       int64
}

func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		UnitsDone:      p.unitsDone.Load(),
		RecordsWritten: p.recordsWritten.Load(),
		InFlight:       p.inFlight.Load(),
	}
}

// report logs progress every interval until ctx is done.
func (p *Progress) report(ctx context.Context, interval time.Duration, total int, log *slog.Logger, m *metrics.Metrics, queueDepth func() int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var lastWritten int64
	lastTick := start

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s := p.Snapshot()
			rate := float64(s.RecordsWritten-lastWritten) / now.Sub(lastTick).Seconds()
			lastWritten, lastTick = s.RecordsWritten, now

			m.SetRecordsPerSecond(rate)
			m.SetInFlightUnits(s.InFlight)
			m.SetWorkerQueueDepth(queueDepth())

			log.Info("progress",
				"units_done", s.UnitsDone,
				"units_total", total,
				"in_flight", s.InFlight,
				"records_written", s.RecordsWritten,
				"records_per_sec", int64(rate),
				"elapsed", time.Since(start).Round(time.Second),
			)
		}
	}
}
