package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/config"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metadata"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/metrics"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/vesselstore"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the ais-cleaner command tree.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var gf globalFlags

	rc := &cobra.Command{
		Use:   "ais-cleaner",
		Short: "Ingest and clean AIS vessel position data",
		Long: `ais-cleaner loads raw AIS CSV exports into a vessel store and
produces a cleaned collection, one vessel at a time, with
checkpointed progress so interrupted runs can resume.`,
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringVarP(&gf.configPath, "config", "c", "", "Path to a YAML config file.")
	rc.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error).")
	rc.PersistentFlags().StringVar(&gf.logFormat, "log-format", "", "Override logging.format (text, json).")

	rc.AddCommand(newIngestCommand(&gf, stdout))
	rc.AddCommand(newCleanCommand(&gf, stdout))
	rc.AddCommand(newVersionCommand(stdout))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// app holds what every stage needs once configuration is loaded.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

// setup loads configuration, installs the logger and starts the metrics
// server when enabled. The server stops when ctx is cancelled.
func setup(ctx context.Context, gf *globalFlags, component string) (*app, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if gf.logLevel != "" {
		cfg.Logging.Level = gf.logLevel
	}
	if gf.logFormat != "" {
		cfg.Logging.Format = gf.logFormat
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component(component)

	rt := &app{cfg: cfg, log: log}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.Init(cfg.Metrics.Namespace)
		go func() {
			log.Info("starting metrics server", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}
	return rt, nil
}

func (rt *app) openStore(ctx context.Context) (vesselstore.Store, error) {
	s := rt.cfg.Store
	store, err := vesselstore.Open(ctx, vesselstore.Config{
		Backend:    s.Backend,
		DSN:        s.DSN,
		RawTable:   s.RawTable,
		CleanTable: s.CleanTable,
		MaxConns:   s.MaxConns,
	}, logging.Component("vesselstore"))
	if err != nil {
		return nil, fmt.Errorf("open vessel store: %w", err)
	}
	rt.log.Info("vessel store ready", "backend", s.Backend, "raw", s.RawTable, "clean", s.CleanTable)
	return store, nil
}

func (rt *app) openCatalog(ctx context.Context) (metadata.Writer, error) {
	w, err := metadata.NewWriter(ctx, metadata.CatalogConfig{
		PostgresDSN: rt.cfg.Catalog.PostgresDSN,
		Namespace:   rt.cfg.Catalog.Namespace,
	}, logging.Component("catalog"))
	if err != nil {
		return nil, fmt.Errorf("open run catalog: %w", err)
	}
	return w, nil
}

func writeReport(log *slog.Logger, path string, sum metadata.RunSummary) {
	if path == "" {
		return
	}
	if err := sum.WriteJSON(path); err != nil {
		log.Warn("failed to write run report", "path", path, "error", err)
		return
	}
	log.Info("run report written", "path", path)
}
