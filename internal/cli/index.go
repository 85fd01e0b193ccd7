package cli

import (
	"fmt"
	"io"

	"github.com/mrsinham/dicomconform/internal/dicomdb"
	"github.com/mrsinham/dicomconform/internal/metrics"
	"github.com/spf13/cobra"
)

type seriesLine struct {
	SeriesInstanceUID string `json:"series_instance_uid"`
	Modality          string `json:"modality"`
	Name              string `json:"name"`
	Instances         int    `json:"instances"`
}

type indexResult struct {
	Database string                `json:"database"`
	Summary  dicomdb.ImportSummary `json:"summary"`
	Series   []seriesLine          `json:"series"`
}

func newIndexCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index <dir>",
		Short: "Index a directory of DICOM files into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := root.logger(cmd.ErrOrStderr())

			db, err := dicomdb.Open(ctx, cfg.Database)
			if err != nil {
				return WrapExitError(ExitCommandError, "open database", err)
			}
			defer func() { _ = db.Close() }()

			ix := dicomdb.NewIndexer(logger)
			ix.Workers = cfg.Workers
			summary, err := ix.AddDirectory(ctx, db, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "index", err)
			}
			rec := metrics.New()
			rec.AddIndexed(summary.Indexed)
			if err := root.writeMetrics(rec); err != nil {
				return err
			}

			series, err := db.Series(ctx)
			if err != nil {
				return err
			}
			res := indexResult{Database: cfg.Database, Summary: summary, Series: make([]seriesLine, 0, len(series))}
			for _, s := range series {
				res.Series = append(res.Series, seriesLine{
					SeriesInstanceUID: s.SeriesInstanceUID,
					Modality:          s.Modality,
					Name:              s.SeriesNumber + ": " + s.SeriesDescription,
					Instances:         s.Instances,
				})
			}
			return root.formatter(cmd).Result(res, func(w io.Writer) error {
				fmt.Fprintf(w, "indexed %d of %d files (%d skipped) into %s\n",
					summary.Indexed, summary.Files, summary.Skipped, res.Database)
				for _, s := range res.Series {
					fmt.Fprintf(w, "  %-3s %-40s %4d  %s\n", s.Modality, s.Name, s.Instances, s.SeriesInstanceUID)
				}
				return nil
			})
		},
	}
}
