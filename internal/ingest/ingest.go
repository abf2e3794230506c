// Package ingest loads a CSV export into the raw collection in fixed-size
// chunks, optionally archiving each chunk as parquet.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/audit"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metadata"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metrics"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/storage"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/vesselstore"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/writer"
)

const stage = "ingest"

const (
	DefaultChunkSize = 10000
	DefaultWorkers   = 8
)

// Empty chunks are logged once per this many.
const emptyLogEvery = 100

// DefaultRetryPolicy is the ingest policy: 3 attempts, 10s base.
func DefaultRetryPolicy() writer.RetryPolicy {
	return writer.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Second}
}

// ChunkReader yields chunks of raw records and io.EOF at the end.
// *source.Reader implements it.
type ChunkReader interface {
	ReadChunk(ctx context.Context, n int) ([]ais.Record, error)
}

// Options configures an Ingester.
type Options struct {
	Workers   int
	ChunkSize int
	Retry     writer.RetryPolicy
	RunID     string
	Source    string // label stored in the catalog

	Archive Archive

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Catalog metadata.Writer
}

// Archive configures the optional parquet archive of raw chunks.
type Archive struct {
	Store          storage.ArchiveStore // nil disables archiving
	Dataset        string
	Compression    string
	AllowOverwrite bool
	Producer       storage.ProducerInfo
	Audit          audit.Emitter // nil disables audit events
}

// Chunk is one slice of the source handed to a worker.
type Chunk struct {
	Index    int
	FirstRow int64
	Records  []ais.Record
}

// ChunkResult is the outcome of one chunk.
type ChunkResult struct {
	Chunk    Chunk
	Inserted int
	Rejected int
	Empty    bool
	Archived bool
	Failed   bool
	Duration time.Duration
	Err      error
}

// Report summarizes an ingest run.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Cancelled bool

	RowsRead        int64
	RowsMalformed   int64
	ChunksTotal     int
	ChunksWritten   int
	ChunksFailed    int
	ChunksEmpty     int
	ChunksArchived  int
	FailedChunks    []int
	RecordsInserted int64
	RecordsRejected int64
}

// Ingester runs the ingest stage against a store.
type Ingester struct {
	store   vesselstore.Store
	opts    Options
	writer  *writer.BulkWriter
	log     *slog.Logger
	metrics *metrics.Metrics
	catalog metadata.Writer

	emptySeen atomic.Int64
}

// New creates an Ingester.
func New(store vesselstore.Store, opts Options) *Ingester {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = DefaultRetryPolicy()
	}
	log := logging.OrComponent(opts.Logger, "ingest")
	catalog := opts.Catalog
	if catalog == nil {
		catalog, _ = metadata.NewWriter(context.Background(), metadata.CatalogConfig{}, log)
	}

	return &Ingester{
		store: store,
		opts:  opts,
		writer: writer.New(writer.Options{
			Collection: vesselstore.Raw,
			Retry:      opts.Retry,
			Logger:     log,
			Metrics:    opts.Metrics,
		}),
		log:     log,
		metrics: opts.Metrics,
		catalog: catalog,
	}
}

// Run reads src to the end and inserts every chunk. Chunk failures are
// counted in the Report; the returned error is reserved for failures that
// stop the run, such as a source read error.
func (in *Ingester) Run(ctx context.Context, src ChunkReader) (Report, error) {
	report := Report{RunID: in.opts.RunID, StartedAt: time.Now().UTC()}
	log := in.log.With("run_id", in.opts.RunID)

	if err := in.store.EnsureIndexes(ctx); err != nil {
		return report, fmt.Errorf("ensure indexes: %w", err)
	}

	if err := in.catalog.StartRun(ctx, metadata.RunInfo{
		RunID:     in.opts.RunID,
		Stage:     stage,
		Source:    in.opts.Source,
		StartedAt: report.StartedAt,
	}); err != nil {
		log.Warn("catalog start failed", "error", err)
		in.metrics.IncCatalogErrors()
	}

	log.Info("starting ingest", "workers", in.opts.Workers, "chunk_size", in.opts.ChunkSize)

	chunks := make(chan Chunk, in.opts.Workers)
	results := make(chan ChunkResult, in.opts.Workers)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		return in.readLoop(gctx, src, chunks)
	})

	var wg sync.WaitGroup
	for i := 0; i < in.opts.Workers; i++ {
		i := i
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			in.workerLoop(gctx, logging.WorkerLogger(log, i), chunks, results)
			return nil
		})
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		in.collect(ctx, &report, r)
	}
	err := g.Wait()

	if m, ok := src.(interface{ Malformed() int64 }); ok {
		report.RowsMalformed = m.Malformed()
	}
	report.Cancelled = ctx.Err() != nil
	report.Duration = time.Since(report.StartedAt)

	if ferr := in.catalog.FinishRun(context.WithoutCancel(ctx), Summary(report)); ferr != nil {
		log.Warn("catalog finish failed", "error", ferr)
		in.metrics.IncCatalogErrors()
	}

	log.Info("ingest finished",
		"rows_read", report.RowsRead,
		"rows_malformed", report.RowsMalformed,
		"records_inserted", report.RecordsInserted,
		"records_rejected", report.RecordsRejected,
		"chunks_written", report.ChunksWritten,
		"chunks_failed", report.ChunksFailed,
		"chunks_empty", report.ChunksEmpty,
		"chunks_archived", report.ChunksArchived,
		"duration", report.Duration.Round(time.Millisecond),
	)
	if report.ChunksEmpty > 0 {
		log.Info("skipped empty chunks", "count", report.ChunksEmpty)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return report, err
	}
	return report, nil
}

func (in *Ingester) readLoop(ctx context.Context, src ChunkReader, out chan<- Chunk) error {
	var row int64
	for index := 0; ; index++ {
		recs, err := src.ReadChunk(ctx, in.opts.ChunkSize)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}

		select {
		case out <- Chunk{Index: index, FirstRow: row, Records: recs}:
		case <-ctx.Done():
			return ctx.Err()
		}
		row += int64(len(recs))
	}
}

func (in *Ingester) workerLoop(ctx context.Context, log *slog.Logger, chunks <-chan Chunk, results chan<- ChunkResult) {
	var sess vesselstore.Session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	for c := range chunks {
		if err := ctx.Err(); err != nil {
			results <- ChunkResult{Chunk: c, Failed: true, Err: err}
			continue
		}
		if sess == nil {
			s, err := in.store.Session(ctx)
			if err != nil {
				log.Error("acquire session", "error", err)
				results <- ChunkResult{Chunk: c, Failed: true, Err: fmt.Errorf("acquire session: %w", err)}
				continue
			}
			sess = s
		}
		results <- in.processChunk(ctx, log, sess, c)
	}
}

func (in *Ingester) processChunk(ctx context.Context, wlog *slog.Logger, sess vesselstore.Session, c Chunk) ChunkResult {
	start := time.Now()
	res := ChunkResult{Chunk: c}
	log := logging.ChunkLogger(wlog, c.Index, c.FirstRow, len(c.Records))

	if len(c.Records) == 0 {
		res.Empty = true
		if n := in.emptySeen.Add(1); n%emptyLogEvery == 0 {
			log.Warn("skipped empty chunk", "total_skipped", n)
		}
		return res
	}

	wr := in.writer.Write(ctx, sess, c.Records)
	res.Duration = time.Since(start)
	if wr.Failed {
		res.Failed = true
		res.Err = wr.Err
		return res
	}
	res.Inserted = wr.Written
	res.Rejected = wr.Rejected

	if in.opts.Archive.Store != nil {
		archived, err := in.archiveChunk(ctx, c)
		switch {
		case errors.Is(err, storage.ErrChunkExists):
			log.Info("skipping archive (exists in storage)")
		case err != nil:
			log.Warn("archive chunk failed", "error", err)
		default:
			res.Archived = archived
		}
	}

	res.Duration = time.Since(start)
	log.Debug("chunk inserted", "inserted", res.Inserted, "rejected", res.Rejected, "duration_ms", res.Duration.Milliseconds())
	return res
}

func (in *Ingester) collect(ctx context.Context, report *Report, r ChunkResult) {
	report.ChunksTotal++
	report.RowsRead += int64(len(r.Chunk.Records))

	rec := metadata.UnitRecord{
		RunID:      in.opts.RunID,
		UnitKey:    int64(r.Chunk.Index),
		RawRecords: int64(len(r.Chunk.Records)),
		Read:       int64(len(r.Chunk.Records)),
		Duration:   r.Duration,
		FinishedAt: time.Now().UTC(),
	}

	switch {
	case r.Empty:
		report.ChunksEmpty++
		in.metrics.AddUnitsSkipped(stage, "empty", 1)
		rec.State = "EMPTY"
	case r.Failed:
		report.ChunksFailed++
		report.FailedChunks = append(report.FailedChunks, r.Chunk.Index)
		in.metrics.IncUnitsFailed(stage)
		rec.State = "FAILED"
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
	default:
		report.ChunksWritten++
		report.RecordsInserted += int64(r.Inserted)
		report.RecordsRejected += int64(r.Rejected)
		in.metrics.IncUnitsProcessed(stage)
		rec.State = "COMPLETED"
		rec.Written = int64(r.Inserted)
		rec.Rejected = int64(r.Rejected)
	}
	if r.Archived {
		report.ChunksArchived++
	}
	in.metrics.ObserveUnitDuration(stage, r.Duration)

	if err := in.catalog.RecordUnit(context.WithoutCancel(ctx), rec); err != nil {
		in.log.Warn("catalog record failed", "chunk", r.Chunk.Index, "error", err)
		in.metrics.IncCatalogErrors()
	}
}

// Summary converts a report into a catalog run summary. Failed chunks are
// listed by chunk index.
func Summary(r Report) metadata.RunSummary {
	failed := make([]int64, len(r.FailedChunks))
	for i, c := range r.FailedChunks {
		failed[i] = int64(c)
	}
	return metadata.RunSummary{
		RunID:           r.RunID,
		Stage:           stage,
		Status:          metadata.Status(r.Cancelled, r.ChunksFailed),
		UnitsTotal:      r.ChunksTotal,
		UnitsCompleted:  r.ChunksWritten,
		UnitsFailed:     r.ChunksFailed,
		FailedUnits:     failed,
		RecordsRead:     r.RowsRead,
		RecordsWritten:  r.RecordsInserted,
		RecordsRejected: r.RecordsRejected,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.StartedAt.Add(r.Duration),
	}
}
