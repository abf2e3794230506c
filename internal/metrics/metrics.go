// Package metrics provides Prometheus metrics for the AIS cleaner.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the AIS cleaner.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation.
type Metrics struct {
	// Unit metrics (a unit is a vessel when cleaning, a chunk when ingesting)
	UnitsProcessed *prometheus.CounterVec
	UnitsFailed    *prometheus.CounterVec
	UnitsSkipped   *prometheus.CounterVec

	// Record metrics
	RecordsWritten   *prometheus.CounterVec
	RecordsRejected  *prometheus.CounterVec
	RecordsDiscarded prometheus.Counter
	RowsMalformed    prometheus.Counter

	// Timing metrics
	PageDuration *prometheus.HistogramVec
	UnitDuration *prometheus.HistogramVec

	// Archive metrics
	ArchiveBytes prometheus.Histogram

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	InFlightUnits    prometheus.Gauge
	RecordsPerSecond prometheus.Gauge

	// Error metrics
	StoreErrors   *prometheus.CounterVec
	CatalogErrors prometheus.Counter
	RetryAttempts *prometheus.CounterVec
}

// Init registers metrics with the default Prometheus registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	return New(prometheus.DefaultRegisterer, namespace)
}

// New registers metrics with reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "ais_cleaner"
	}
	f := promauto.With(reg)

	return &Metrics{
		UnitsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_processed_total",
				Help:      "Total number of work units completed",
			},
			[]string{"stage"},
		),
		UnitsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_failed_total",
				Help:      "Total number of work units that failed",
			},
			[]string{"stage"},
		),
		UnitsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_skipped_total",
				Help:      "Total number of work units skipped before processing",
			},
			[]string{"stage", "reason"},
		),
		RecordsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_written_total",
				Help:      "Total number of records persisted",
			},
			[]string{"collection"},
		),
		RecordsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_rejected_total",
				Help:      "Total number of records refused by the destination",
			},
			[]string{"collection"},
		),
		RecordsDiscarded: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_discarded_total",
				Help:      "Records dropped by validation before writing",
			},
		),
		RowsMalformed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_rows_malformed_total",
				Help:      "Source rows skipped because they could not be parsed",
			},
		),
		PageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "page_duration_seconds",
				Help:      "Time to read or write one page of records",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"operation"},
		),
		UnitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Time to process one work unit end to end",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
			},
			[]string{"stage"},
		),
		ArchiveBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "archive_chunk_bytes",
				Help:      "Size of archived parquet chunks in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
		),
		WorkerQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of tasks in the worker queue",
			},
		),
		InFlightUnits: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_units",
				Help:      "Number of work units currently being processed",
			},
		),
		RecordsPerSecond: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "records_per_second",
				Help:      "Current record write rate",
			},
		),
		StoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of failed store operations",
			},
			[]string{"operation", "kind"},
		),
		CatalogErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of run catalog errors",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}
}

// StartServer serves /metrics and /health until ctx is cancelled.
func StartServer(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// IncUnitsProcessed increments the completed units counter.
func (m *Metrics) IncUnitsProcessed(stage string) {
	if m == nil {
		return
	}
	m.UnitsProcessed.WithLabelValues(stage).Inc()
}

// IncUnitsFailed increments the failed units counter.
func (m *Metrics) IncUnitsFailed(stage string) {
	if m == nil {
		return
	}
	m.UnitsFailed.WithLabelValues(stage).Inc()
}

// AddUnitsSkipped adds to the skipped units counter.
func (m *Metrics) AddUnitsSkipped(stage, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.UnitsSkipped.WithLabelValues(stage, reason).Add(float64(n))
}

// AddRecordsWritten adds to the written records counter.
func (m *Metrics) AddRecordsWritten(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsWritten.WithLabelValues(collection).Add(float64(n))
}

// AddRecordsRejected adds to the rejected records counter.
func (m *Metrics) AddRecordsRejected(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsRejected.WithLabelValues(collection).Add(float64(n))
}

// AddRecordsDiscarded adds to the discarded records counter.
func (m *Metrics) AddRecordsDiscarded(n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsDiscarded.Add(float64(n))
}

// IncRowsMalformed increments the malformed source rows counter.
func (m *Metrics) IncRowsMalformed() {
	if m == nil {
		return
	}
	m.RowsMalformed.Inc()
}

// ObservePageDuration records the time for one page read or write.
func (m *Metrics) ObservePageDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.PageDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveUnitDuration records the time for one unit.
func (m *Metrics) ObserveUnitDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.UnitDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveArchiveBytes records the size of one archived chunk.
func (m *Metrics) ObserveArchiveBytes(n int) {
	if m == nil {
		return
	}
	m.ArchiveBytes.Observe(float64(n))
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.WorkerQueueDepth.Set(float64(depth))
}

// SetInFlightUnits sets the number of in-flight units.
func (m *Metrics) SetInFlightUnits(n int64) {
	if m == nil {
		return
	}
	m.InFlightUnits.Set(float64(n))
}

// SetRecordsPerSecond sets the current write rate.
func (m *Metrics) SetRecordsPerSecond(rate float64) {
	if m == nil {
		return
	}
	m.RecordsPerSecond.Set(rate)
}

// IncStoreErrors increments the store errors counter.
func (m *Metrics) IncStoreErrors(operation, kind string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(operation, kind).Inc()
}

// IncCatalogErrors increments the catalog errors counter.
func (m *Metrics) IncCatalogErrors() {
	if m == nil {
		return
	}
	m.CatalogErrors.Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
