package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/mrsinham/dicomconform/internal/forge"
	"github.com/mrsinham/dicomconform/internal/forge/vendor"
	"github.com/spf13/cobra"
)

type forgeResult struct {
	Profile   string `json:"profile"`
	Directory string `json:"directory"`
	SeriesUID string `json:"series_uid"`
	Vendors   string `json:"vendors"`
	Files     int    `json:"files"`
	Bytes     int64  `json:"bytes"`
}

func newForgeCommand(root *RootOptions) *cobra.Command {
	var (
		profile string
		output  string
		matrix  int
		vendors string
	)

	cmd := &cobra.Command{
		Use:   "forge",
		Short: "Synthesize a reference series",
		Long:  fmt.Sprintf("Forge writes one of the synthetic reference series %v to disk.", forge.Profiles()),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := forge.LookupProfile(profile); err != nil {
				return WrapExitError(ExitCommandError, "forge", err)
			}
			if matrix < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("matrix must be positive, got %d", matrix))
			}
			var tags []vendor.Vendor
			if cmd.Flags().Changed("vendor") {
				var err error
				if tags, err = vendor.Parse(vendors); err != nil {
					return WrapExitError(ExitCommandError, "forge", err)
				}
				if tags == nil {
					tags = []vendor.Vendor{}
				}
			}
			series, err := forge.GenerateProfile(cmd.Context(), profile, output, matrix, tags, root.logger(cmd.ErrOrStderr()))
			if err != nil {
				return WrapExitError(ExitCommandError, "forge", err)
			}

			res := forgeResult{Profile: profile, Directory: series.Directory, SeriesUID: series.SeriesUID, Vendors: vendor.Join(series.Vendors)}
			res.Files, res.Bytes, err = treeSize(series.Directory)
			if err != nil {
				return err
			}
			return root.formatter(cmd).Result(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %d files, %s in %s\n", res.Profile, res.Files, humanize.Bytes(uint64(res.Bytes)), res.Directory)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", fmt.Sprintf("series profile %v", forge.Profiles()))
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().IntVar(&matrix, "matrix", 0, "in-plane matrix size (0 uses the profile default)")
	cmd.Flags().StringVar(&vendors, "vendor", "", fmt.Sprintf("private tags to add: none, all or a list of %v (default follows the scanner)", vendor.All()))
	_ = cmd.MarkFlagRequired("profile")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
