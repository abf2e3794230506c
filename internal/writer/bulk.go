// Package writer persists batches of records with bounded retry.
package writer

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metrics"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/vesselstore"
)

// RetryPolicy bounds retries of whole-batch failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is the cleaning stage policy: 3 attempts, 1s base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Delay returns the wait after the given zero-based failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<attempt)
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Inserter is the subset of vesselstore.Session the writer needs.
type Inserter interface {
	InsertMany(ctx context.Context, coll vesselstore.Collection, records []ais.Record) (vesselstore.InsertResult, error)
}

// Result is the outcome of one Write.
type Result struct {
	Written  int
	Rejected int
	Attempts int
	Failed   bool  // retries exhausted or a permanent error
	Err      error // last error when Failed
}

// Options configures a BulkWriter.
type Options struct {
	Collection vesselstore.Collection
	Retry      RetryPolicy
	SampleSize int // failed records logged at debug level, default 5
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// BulkWriter writes batches without ordering, tolerating per-record
// rejections and retrying transient whole-batch failures.
type BulkWriter struct {
	coll       vesselstore.Collection
	policy     RetryPolicy
	sampleSize int
	log        *slog.Logger
	metrics    *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a BulkWriter.
func New(opts Options) *BulkWriter {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.With("component", "bulk_writer")
	}
	return &BulkWriter{
		coll:       opts.Collection,
		policy:     opts.Retry.normalized(),
		sampleSize: opts.SampleSize,
		log:        opts.Logger.With("collection", string(opts.Collection)),
		metrics:    opts.Metrics,
		sleep:      Sleep,
	}
}

// Write persists batch to dst. It never returns a Go error: failures are
// reported through Result so the caller can decide what a failed batch
// means for its unit of work. A failed Write reports Written == 0.
func (w *BulkWriter) Write(ctx context.Context, dst Inserter, batch []ais.Record) Result {
	if len(batch) == 0 {
		return Result{}
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < w.policy.MaxAttempts; attempt++ {
		attempts++
		start := time.Now()
		res, err := dst.InsertMany(ctx, w.coll, batch)
		w.metrics.ObservePageDuration("write", time.Since(start))

		if err == nil {
			if n := len(res.Rejected); n > 0 {
				w.log.Warn("records rejected by destination",
					"rejected", n,
					"inserted", res.Inserted,
					"first_reason", res.Rejected[0].Reason,
				)
			}
			w.metrics.AddRecordsWritten(string(w.coll), res.Inserted)
			w.metrics.AddRecordsRejected(string(w.coll), len(res.Rejected))
			return Result{
				Written:  res.Inserted,
				Rejected: len(res.Rejected),
				Attempts: attempts,
			}
		}

		lastErr = err
		kind := vesselstore.KindOf(err)
		w.metrics.IncStoreErrors("write", kind.String())

		if kind == vesselstore.KindPermanent || ctx.Err() != nil {
			break
		}
		if attempt == w.policy.MaxAttempts-1 {
			break
		}

		delay := w.policy.Delay(attempt)
		w.log.Warn("bulk write failed, retrying",
			"attempt", attempt+1,
			"max_attempts", w.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		w.metrics.IncRetryAttempts("write")
		if err := w.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	w.log.Error("bulk write failed",
		"attempts", attempts,
		"batch_size", len(batch),
		"error", lastErr,
	)
	for i, rec := range w.sample(batch) {
		w.log.Debug("failed record sample", "n", i+1, "record", rec)
	}

	return Result{Attempts: attempts, Failed: true, Err: lastErr}
}

// sample picks up to sampleSize records at random.
func (w *BulkWriter) sample(batch []ais.Record) []ais.Record {
	if len(batch) <= w.sampleSize {
		return batch
	}
	idx := rand.Perm(len(batch))[:w.sampleSize]
	out := make([]ais.Record, len(idx))
	for i, j := range idx {
		out[i] = batch[j]
	}
	return out
}
