package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/cleaner"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/writer"
)

type cleanFlags struct {
	dryRun     bool
	workers    int
	pageSize   int
	minRecords int64
	checkpoint string
	reportPath string
}

func newCleanCommand(gf *globalFlags, stdout io.Writer) *cobra.Command {
	var f cleanFlags

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Clean the raw collection vessel by vessel",
		Long: `clean partitions the raw collection by MMSI, skips vessels that are
already checkpointed or have too few records, and writes validated
records to the clean collection. A vessel is checkpointed only after
all of its records are written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, gf, "cleaner")
			if err != nil {
				return err
			}
			cfg := rt.cfg
			if f.workers > 0 {
				cfg.Clean.Workers = f.workers
			}
			if f.pageSize > 0 {
				cfg.Clean.PageSize = f.pageSize
			}
			if cmd.Flags().Changed("min-records") {
				cfg.Clean.MinRecords = f.minRecords
			}
			if f.checkpoint != "" {
				cfg.Checkpoint.Path = f.checkpoint
			}

			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			cp, err := checkpoint.NewStore(checkpoint.Config{
				Backend: cfg.Checkpoint.Backend,
				Path:    cfg.Checkpoint.Path,
			}, logging.Component("checkpoint"))
			if err != nil {
				return fmt.Errorf("open checkpoint store: %w", err)
			}
			defer cp.Close()

			catalog, err := rt.openCatalog(ctx)
			if err != nil {
				return err
			}
			defer catalog.Close()

			rt.log.Info("clean starting",
				"workers", cfg.Clean.Workers,
				"page_size", cfg.Clean.PageSize,
				"min_records", cfg.Clean.MinRecords,
				"checkpoint", cfg.Checkpoint.Path,
				"dry_run", f.dryRun,
			)

			report, err := cleaner.New(store, cp, catalog, cleaner.Config{
				Pipeline: cleaner.Options{
					Workers:          cfg.Clean.Workers,
					PageSize:         cfg.Clean.PageSize,
					Retry:            writer.RetryPolicy{MaxAttempts: cfg.Clean.MaxRetries, BaseDelay: cfg.Clean.RetryDelay},
					ProgressInterval: cfg.Clean.ProgressInterval,
					Logger:           rt.log,
					Metrics:          rt.metrics,
				},
				MinRecords: cfg.Clean.MinRecords,
				DryRun:     f.dryRun,
				Source:     cfg.Store.RawTable,
			}).Run(ctx)
			if err != nil {
				return err
			}

			if f.dryRun {
				fmt.Fprintf(stdout, "%d eligible vessels (%d checkpointed, %d undersized)\n",
					len(report.Planned), report.SkippedCheckpointed, report.SkippedUndersized)
				tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
				if len(report.Planned) > 0 {
					fmt.Fprintln(tw, "MMSI\tRECORDS")
				}
				for _, u := range report.Planned {
					fmt.Fprintf(tw, "%d\t%d\n", u.VesselID, u.RecordCount)
				}
				return tw.Flush()
			}

			sum := cleaner.Summary(report)
			writeReport(rt.log, f.reportPath, sum)
			fmt.Fprintf(stdout, "clean %s: %d/%d vessels completed, %d failed, %d not attempted; %d records read, %d written, %d rejected, %d discarded\n",
				sum.Status, report.Completed, report.UnitsTotal, report.Failed, report.NotAttempted,
				report.RecordsRead, report.RecordsWritten, report.RecordsRejected, report.RecordsDiscarded)
			if len(report.FailedUnits) > 0 {
				fmt.Fprintf(stdout, "failed vessels: %v\n", report.FailedUnits)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&f.dryRun, "dry-run", false, "List eligible vessels without writing anything.")
	flags.IntVar(&f.workers, "workers", 0, "Concurrent vessel workers (overrides clean.workers).")
	flags.IntVar(&f.pageSize, "page-size", 0, "Records per page (overrides clean.page_size).")
	flags.Int64Var(&f.minRecords, "min-records", 0, "Minimum records for a vessel to be cleaned (overrides clean.min_records).")
	flags.StringVar(&f.checkpoint, "checkpoint", "", "Checkpoint file path (overrides checkpoint.path).")
	flags.StringVar(&f.reportPath, "report", "", "Write the run summary as JSON to this path.")
	return cmd
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "ais-cleaner %s (%s)\n", cleaner.Version, cleaner.GitSHA)
		},
	}
}
