package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metadata"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metrics"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/partition"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/vesselstore"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/writer"
)

const stage = "clean"

// DefaultPageSize is the number of raw records read per page.
const DefaultPageSize = 10000

// Options configures a Pipeline.
type Options struct {
	Workers          int
	PageSize         int
	Retry            writer.RetryPolicy
	ProgressInterval time.Duration
	RunID            string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Catalog metadata.Writer
}

// Pipeline implements the dispatcher → workers → collector flow. Each
// worker owns one vessel at a time and pages through its raw records in
// ascending offset order. A Pipeline runs once.
type Pipeline struct {
	store       vesselstore.Store
	checkpoints checkpoint.Store
	writer      *writer.BulkWriter
	opts        Options
	log         *slog.Logger
	metrics     *metrics.Metrics
	catalog     metadata.Writer
	progress    *Progress

	workQueue  chan UnitTask
	resultChan chan UnitResult
	wg         sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates a new worker pipeline.
func NewPipeline(store vesselstore.Store, checkpoints checkpoint.Store, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.PageSize < 1 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = writer.DefaultRetryPolicy()
	}
	log := logging.OrComponent(opts.Logger, "pipeline")
	catalog := opts.Catalog
	if catalog == nil {
		catalog, _ = metadata.NewWriter(context.Background(), metadata.CatalogConfig{}, log)
	}

	queueSize := opts.Workers * 2
	return &Pipeline{
		store:       store,
		checkpoints: checkpoints,
		writer: writer.New(writer.Options{
			Collection: vesselstore.Clean,
			Retry:      opts.Retry,
			Logger:     log,
			Metrics:    opts.Metrics,
		}),
		opts:       opts,
		log:        log,
		metrics:    opts.Metrics,
		catalog:    catalog,
		progress:   &Progress{},
		workQueue:  make(chan UnitTask, queueSize),
		resultChan: make(chan UnitResult, queueSize),
		sleep:      writer.Sleep,
	}
}

// Progress exposes the live counters.
func (p *Pipeline) Progress() *Progress { return p.progress }

// Run processes units and returns when every dispatched unit has finished
// or ctx is cancelled. Unit failures never abort the run.
func (p *Pipeline) Run(ctx context.Context, units []partition.WorkUnit) Report {
	report := Report{
		RunID:      p.opts.RunID,
		StartedAt:  time.Now().UTC(),
		UnitsTotal: len(units),
	}
	if len(units) == 0 {
		return report
	}

	p.log.Info("starting cleaning", "units", len(units), "workers", p.opts.Workers, "page_size", p.opts.PageSize)

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	go p.dispatcherLoop(ctx, units)

	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	progressCtx, stopProgress := context.WithCancel(ctx)
	go p.progress.report(progressCtx, p.opts.ProgressInterval, len(units), p.log, p.metrics,
		func() int { return len(p.workQueue) })

	for result := range p.resultChan {
		p.collect(ctx, &report, result)
	}
	stopProgress()

	report.NotAttempted = report.UnitsTotal - report.Completed - report.Failed
	report.Cancelled = ctx.Err() != nil
	report.Duration = time.Since(report.StartedAt)
	p.metrics.SetInFlightUnits(0)

	p.logSummary(report)
	return report
}

// dispatcherLoop sends unit tasks to workers.
func (p *Pipeline) dispatcherLoop(ctx context.Context, units []partition.WorkUnit) {
	defer close(p.workQueue)

	for i, u := range units {
		select {
		case <-ctx.Done():
			p.log.Warn("dispatch stopped", "dispatched", i, "remaining", len(units)-i)
			return
		case p.workQueue <- UnitTask{Unit: u, Index: i}:
		}
	}
}

// workerLoop processes unit tasks with a session owned by this worker.
func (p *Pipeline) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()
	log := logging.WorkerLogger(p.log, workerID)

	var sess vesselstore.Session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	for task := range p.workQueue {
		if err := ctx.Err(); err != nil {
			p.resultChan <- UnitResult{Task: task, State: StateFailed, Err: err}
			continue
		}

		if sess == nil {
			s, err := p.store.Session(ctx)
			if err != nil {
				log.Error("acquire session", "error", err)
				p.resultChan <- UnitResult{Task: task, State: StateFailed, Err: fmt.Errorf("acquire session: %w", err)}
				continue
			}
			sess = s
		}

		p.resultChan <- p.processUnit(ctx, log, sess, task)
	}
}

// processUnit cleans every page of one vessel and checkpoints it.
func (p *Pipeline) processUnit(ctx context.Context, wlog *slog.Logger, sess vesselstore.Session, task UnitTask) (res UnitResult) {
	unit := task.Unit
	log := logging.UnitLogger(wlog, logging.NewCorrelationID(), unit.VesselID, unit.RecordCount)
	res = UnitResult{Task: task, State: StateInProgress}

	start := time.Now()
	p.metrics.SetInFlightUnits(p.progress.inFlight.Add(1))
	defer func() {
		p.progress.inFlight.Add(-1)
		res.Duration = time.Since(start)
	}()

	log.Debug("processing vessel")

	for skip := 0; ; skip += p.opts.PageSize {
		raw, err := p.readPage(ctx, log, sess, unit.VesselID, skip)
		if err != nil {
			return p.fail(log, res, fmt.Errorf("read page at offset %d: %w", skip, err))
		}
		res.Pages++
		res.Read += int64(len(raw))

		cleaned := make([]ais.Record, 0, len(raw))
		for _, r := range raw {
			c, ok := ais.Validate(ais.Project(r))
			if !ok || !ais.Persistable(c) {
				res.Discarded++
				continue
			}
			cleaned = append(cleaned, c)
		}
		p.metrics.AddRecordsDiscarded(len(raw) - len(cleaned))

		if len(cleaned) > 0 {
			wr := p.writer.Write(ctx, sess, cleaned)
			if wr.Failed {
				return p.fail(log, res, fmt.Errorf("write page at offset %d: %w", skip, wr.Err))
			}
			res.Written += int64(wr.Written)
			res.Rejected += int64(wr.Rejected)
			p.progress.recordsWritten.Add(int64(wr.Written))
		}

		if len(raw) < p.opts.PageSize {
			break
		}
	}

	// Every page is persisted; record it even if the run is being cancelled.
	if err := p.checkpoints.Append(context.WithoutCancel(ctx), unit.VesselID); err != nil {
		return p.fail(log, res, fmt.Errorf("append checkpoint: %w", err))
	}

	res.State = StateCompleted
	log.Info("vessel cleaned",
		"pages", res.Pages,
		"read", res.Read,
		"written", res.Written,
		"discarded", res.Discarded,
		"rejected", res.Rejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

func (p *Pipeline) fail(log *slog.Logger, res UnitResult, err error) UnitResult {
	res.State = StateFailed
	res.Err = err
	log.Warn("vessel failed, no checkpoint recorded", "error", err, "written_before_failure", res.Written)
	return res
}

// readPage fetches one page, retrying transient failures with the same
// policy as writes.
func (p *Pipeline) readPage(ctx context.Context, log *slog.Logger, sess vesselstore.Session, vesselID int64, skip int) ([]ais.Record, error) {
	policy := p.opts.Retry
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		attempts++
		start := time.Now()
		recs, err := sess.Find(ctx, vesselstore.Raw, vesselID, skip, p.opts.PageSize)
		p.metrics.ObservePageDuration("read", time.Since(start))
		if err == nil {
			return recs, nil
		}

		lastErr = err
		kind := vesselstore.KindOf(err)
		p.metrics.IncStoreErrors("read", kind.String())
		if kind == vesselstore.KindPermanent || ctx.Err() != nil || attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		log.Warn("page read failed, retrying", "offset", skip, "attempt", attempt+1, "delay", delay, "error", err)
		p.metrics.IncRetryAttempts("read")
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// collect folds a unit result into the report.
func (p *Pipeline) collect(ctx context.Context, report *Report, r UnitResult) {
	report.RecordsRead += r.Read
	report.RecordsWritten += r.Written
	report.RecordsRejected += r.Rejected
	report.RecordsDiscarded += r.Discarded

	switch r.State {
	case StateCompleted:
		report.Completed++
		p.metrics.IncUnitsProcessed(stage)
	default:
		report.Failed++
		report.FailedUnits = append(report.FailedUnits, r.Task.Unit.VesselID)
		p.metrics.IncUnitsFailed(stage)
	}
	p.metrics.ObserveUnitDuration(stage, r.Duration)
	p.progress.unitsDone.Add(1)

	rec := metadata.UnitRecord{
		RunID:      p.opts.RunID,
		UnitKey:    r.Task.Unit.VesselID,
		State:      r.State.String(),
		RawRecords: r.Task.Unit.RecordCount,
		Read:       r.Read,
		Written:    r.Written,
		Rejected:   r.Rejected,
		Discarded:  r.Discarded,
		Duration:   r.Duration,
		FinishedAt: time.Now().UTC(),
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	// Outcomes are recorded even after cancellation.
	if err := p.catalog.RecordUnit(context.WithoutCancel(ctx), rec); err != nil {
		p.log.Warn("catalog record failed", "mmsi", rec.UnitKey, "error", err)
		p.metrics.IncCatalogErrors()
	}
}

func (p *Pipeline) logSummary(r Report) {
	p.log.Info("cleaning finished",
		"units_total", r.UnitsTotal,
		"completed", r.Completed,
		"failed", r.Failed,
		"not_attempted", r.NotAttempted,
		"records_written", r.RecordsWritten,
		"records_discarded", r.RecordsDiscarded,
		"records_rejected", r.RecordsRejected,
		"duration", r.Duration.Round(time.Millisecond),
		"cancelled", r.Cancelled,
	)
	if len(r.FailedUnits) > 0 {
		p.log.Debug("sample of failed vessels", "mmsi", sampleIDs(r.FailedUnits, 10))
	}
}

func sampleIDs(ids []int64, n int) []int64 {
	if len(ids) <= n {
		return ids
	}
	out := make([]int64, n)
	for i, j := range rand.Perm(len(ids))[:n] {
		out[i] = ids[j]
	}
	return out
}
