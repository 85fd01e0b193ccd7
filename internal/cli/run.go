package cli

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/mrsinham/dicomconform/internal/conformance"
	"github.com/mrsinham/dicomconform/internal/dicomdb"
	"github.com/mrsinham/dicomconform/internal/fixture"
	"github.com/mrsinham/dicomconform/internal/metrics"
	"github.com/mrsinham/dicomconform/internal/plugin"
	"github.com/spf13/cobra"
)

const scenarioAll = "all"

func newRunCommand(root *RootOptions) *cobra.Command {
	var scenario string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conformance scenarios",
		Long: "Run provisions every configured dataset, indexes it into a temporary database\n" +
			"and checks it. The database that was active before is restored afterwards.\n" +
			"Exits 1 when a scenario fails.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var scenarios []string
			switch {
			case scenario == scenarioAll:
			case slices.Contains(conformance.Scenarios(), scenario):
				scenarios = []string{scenario}
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown scenario %q: must be %s or one of %v",
					scenario, scenarioAll, conformance.Scenarios()))
			}

			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := root.logger(cmd.ErrOrStderr())
			ctx := cmd.Context()

			session := dicomdb.NewSession(filepath.Join(cfg.CacheDir, "temp"), logger)
			defer func() { _ = session.Close() }()
			if _, err := session.Open(ctx, cfg.Database); err != nil {
				return WrapExitError(ExitCommandError, "open database", err)
			}

			provisioner := fixture.NewProvisioner(cfg.CacheDir, logger)
			provisioner.S3Config = cfg.S3
			indexer := dicomdb.NewIndexer(logger)
			indexer.Workers = cfg.Workers
			scalarOpts := cfg.ScalarOptions()
			scalarOpts.Logger = logger
			rec := metrics.New()

			suite := &conformance.Suite{
				Provisioner:   provisioner,
				Session:       session,
				Indexer:       indexer,
				Registry:      plugin.DefaultRegistry(scalarOpts),
				PluginName:    cfg.Plugin,
				TempDatabase:  cfg.TempDatabase,
				Datasets:      cfg.Datasets,
				MissingSlices: cfg.MissingSlices,
				Metrics:       rec,
				Logger:        logger,
			}
			report, err := suite.Run(ctx, scenarios...)
			if err != nil {
				return WrapExitError(ExitCommandError, "run", err)
			}

			out := root.formatter(cmd)
			if err := out.Result(report, report.WriteText); err != nil {
				return err
			}
			if err := root.writeMetrics(rec); err != nil {
				return err
			}
			if !report.OK() {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, len(report.Scenarios)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scenario, "scenario", "s", scenarioAll,
		fmt.Sprintf("scenario to run: %s or one of %v", scenarioAll, conformance.Scenarios()))
	return cmd
}

func (o *RootOptions) writeMetrics(rec *metrics.Recorder) error {
	if o.MetricsFile == "" {
		return nil
	}
	if err := rec.WriteTextfile(o.MetricsFile); err != nil {
		return WrapExitError(ExitCommandError, "write metrics", err)
	}
	return nil
}
