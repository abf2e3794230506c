package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metrics"
)

// DefaultMaxRows caps a single ingest when no limit is configured.
const DefaultMaxRows = 1_000_000

// Malformed rows are warned about individually up to this count, then
// once per warnEvery rows.
const (
	warnFirst = 10
	warnEvery = 1000
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	MaxRows int64 // 0 means unlimited
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Reader turns a header-named CSV export into raw records. Cells are kept
// as strings; empty cells are omitted. Malformed rows are skipped.
type Reader struct {
	csv     *csv.Reader
	header  []string
	opts    ReaderOptions
	log     *slog.Logger
	metrics *metrics.Metrics

	rows      int64
	malformed int64
	done      bool
}

// NewReader reads the header row from r.
func NewReader(r io.Reader, opts ReaderOptions) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptySource
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	return &Reader{
		csv:     cr,
		header:  header,
		opts:    opts,
		log:     logging.OrComponent(opts.Logger, "source"),
		metrics: opts.Metrics,
	}, nil
}

// Header returns the column names.
func (r *Reader) Header() []string { return r.header }

// Rows returns the number of records returned so far.
func (r *Reader) Rows() int64 { return r.rows }

// Malformed returns the number of skipped rows.
func (r *Reader) Malformed() int64 { return r.malformed }

// Next returns the next well-formed record, or io.EOF.
func (r *Reader) Next() (ais.Record, error) {
	if r.done || (r.opts.MaxRows > 0 && r.rows >= r.opts.MaxRows) {
		r.done = true
		return nil, io.EOF
	}

	for {
		fields, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			return nil, io.EOF
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				r.skip(perr.StartLine, perr.Err.Error())
				continue
			}
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(fields) != len(r.header) {
			line, _ := r.csv.FieldPos(0)
			r.skip(line, fmt.Sprintf("expected %d fields, got %d", len(r.header), len(fields)))
			continue
		}

		rec := make(ais.Record, len(fields))
		for i, v := range fields {
			if v = strings.TrimSpace(v); v != "" {
				rec[r.header[i]] = v
			}
		}
		r.rows++
		return rec, nil
	}
}

// ReadChunk returns up to n records. The final partial chunk is returned
// with a nil error; the call after it returns io.EOF.
func (r *Reader) ReadChunk(ctx context.Context, n int) ([]ais.Record, error) {
	chunk := make([]ais.Record, 0, n)
	for len(chunk) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunk = append(chunk, rec)
	}
	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

func (r *Reader) skip(line int, reason string) {
	r.malformed++
	r.metrics.IncRowsMalformed()
	if r.malformed <= warnFirst || r.malformed%warnEvery == 0 {
		r.log.Warn("skipping malformed row", "line", line, "reason", reason, "malformed_total", r.malformed)
	}
}
