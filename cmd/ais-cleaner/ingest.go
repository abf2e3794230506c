package main

import (
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/audit"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/cleaner"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ingest"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/source"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/storage"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/writer"
)

type ingestFlags struct {
	source     string
	maxRows    int64
	workers    int
	chunkSize  int
	runID      string
	reportPath string
}

func newIngestCommand(gf *globalFlags, stdout io.Writer) *cobra.Command {
	var f ingestFlags

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a raw AIS CSV export into the raw collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, gf, "ingest")
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if f.source != "" {
				cfg.Source.Path = f.source
			}
			if cmd.Flags().Changed("max-rows") {
				cfg.Source.MaxRows = f.maxRows
			}
			if f.workers > 0 {
				cfg.Ingest.Workers = f.workers
			}
			if f.chunkSize > 0 {
				cfg.Ingest.ChunkSize = f.chunkSize
			}
			if cfg.Source.Path == "" {
				return errors.New("source path required")
			}
			runID := f.runID
			if runID == "" {
				runID = uuid.New().String()
			}

			rc, err := source.Open(ctx, cfg.Source.Path, source.BucketConfig{
				S3Endpoint: cfg.Source.S3Endpoint,
				S3Region:   cfg.Source.S3Region,
			})
			if err != nil {
				return err
			}
			defer rc.Close()

			reader, err := source.NewReader(rc, source.ReaderOptions{
				MaxRows: cfg.Source.MaxRows,
				Logger:  logging.Component("source"),
				Metrics: rt.metrics,
			})
			if err != nil {
				return fmt.Errorf("open %s: %w", cfg.Source.Path, err)
			}

			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			catalog, err := rt.openCatalog(ctx)
			if err != nil {
				return err
			}
			defer catalog.Close()

			archive := ingest.Archive{
				Dataset:        cfg.Archive.Dataset,
				Compression:    cfg.Archive.Compression,
				AllowOverwrite: cfg.Archive.AllowOverwrite,
				Producer: storage.ProducerInfo{
					Name:    "ais-cleaner",
					Version: cleaner.Version,
					GitSHA:  cleaner.GitSHA,
				},
			}
			if archive.Dataset == "" {
				archive.Dataset = datasetName(cfg.Source.Path)
			}
			if cfg.Archive.Enabled {
				as, err := storage.NewArchiveStore(ctx, archiveConfig(cfg.Archive.Backend, cfg.Archive.LocalDir,
					cfg.Archive.Bucket, cfg.Archive.S3Endpoint, cfg.Archive.S3Region, cfg.Archive.Prefix))
				if err != nil {
					return fmt.Errorf("open archive: %w", err)
				}
				defer as.Close()
				archive.Store = as

				emitter, err := audit.NewEmitter(audit.Config{
					Enabled:  cfg.Audit.Enabled,
					Dir:      cfg.Audit.Dir,
					Endpoint: cfg.Audit.Endpoint,
				}, logging.Component("audit"))
				if err != nil {
					return fmt.Errorf("open audit emitter: %w", err)
				}
				defer emitter.Close()
				archive.Audit = emitter
				rt.log.Info("archiving chunks", "backend", cfg.Archive.Backend, "dataset", archive.Dataset)
			}

			rt.log.Info("ingest starting",
				"source", cfg.Source.Path,
				"run_id", runID,
				"workers", cfg.Ingest.Workers,
				"chunk_size", cfg.Ingest.ChunkSize,
				"max_rows", cfg.Source.MaxRows,
			)

			report, err := ingest.New(store, ingest.Options{
				Workers:   cfg.Ingest.Workers,
				ChunkSize: cfg.Ingest.ChunkSize,
				Retry:     writer.RetryPolicy{MaxAttempts: cfg.Ingest.MaxRetries, BaseDelay: cfg.Ingest.RetryDelay},
				RunID:     runID,
				Source:    cfg.Source.Path,
				Archive:   archive,
				Logger:    rt.log,
				Metrics:   rt.metrics,
				Catalog:   catalog,
			}).Run(ctx, reader)
			if err != nil {
				return err
			}

			sum := ingest.Summary(report)
			writeReport(rt.log, f.reportPath, sum)
			fmt.Fprintf(stdout, "ingest %s: %d rows read, %d malformed, %d inserted, %d rejected, %d/%d chunks written, %d failed\n",
				sum.Status, report.RowsRead, report.RowsMalformed, report.RecordsInserted, report.RecordsRejected,
				report.ChunksWritten, report.ChunksTotal, report.ChunksFailed)
			if len(report.FailedChunks) > 0 {
				fmt.Fprintf(stdout, "failed chunks: %v\n", report.FailedChunks)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.source, "source", "", "Source CSV: local path or s3://, gs://, file:// URL (.gz and .zst are decompressed).")
	flags.Int64Var(&f.maxRows, "max-rows", 0, "Stop after this many rows; 0 reads everything.")
	flags.IntVar(&f.workers, "workers", 0, "Concurrent chunk writers (overrides ingest.workers).")
	flags.IntVar(&f.chunkSize, "chunk-size", 0, "Rows per chunk (overrides ingest.chunk_size).")
	flags.StringVar(&f.runID, "run-id", "", "Run identifier used in the catalog and archive paths; random when empty.")
	flags.StringVar(&f.reportPath, "report", "", "Write the run summary as JSON to this path.")
	return cmd
}

func archiveConfig(backend, localDir, bucket, endpoint, region, prefix string) storage.StorageConfig {
	cfg := storage.StorageConfig{
		Backend:  strings.ToLower(backend),
		LocalDir: localDir,
		Prefix:   prefix,
	}
	switch cfg.Backend {
	case "gcs":
		cfg.GCSBucket = bucket
	case "s3":
		cfg.S3Bucket = bucket
		cfg.S3Endpoint = endpoint
		cfg.S3Region = region
	}
	return cfg
}

// datasetName derives an archive dataset from the source file name, e.g.
// "s3://ais/aisdk-2025-03-01.csv.zst" becomes "aisdk-2025-03-01".
func datasetName(location string) string {
	base := path.Base(filepath.ToSlash(location))
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	for _, ext := range []string{".zst", ".gz", ".csv"} {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return "ais"
	}
	return base
}
