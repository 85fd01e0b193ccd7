package cli

import (
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/mrsinham/dicomconform/internal/fixture"
	"github.com/mrsinham/dicomconform/internal/metrics"
	"github.com/spf13/cobra"
)

type fetchResult struct {
	Name  string `json:"name"`
	URI   string `json:"uri"`
	Dir   string `json:"dir"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

func newFetchCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <name> <uri>",
		Short: "Download and extract a dataset into the cache",
		Long: "Fetch makes a dataset available in the cache without running any scenario.\n" +
			"The uri may be http(s)://, s3://bucket/key, file://, a local path or\n" +
			"forge://<profile>?matrix=N.",
		Example: "  dicomconform fetch mr-head forge://mr-head?matrix=128\n" +
			"  dicomconform fetch mouse https://example.org/mouse.zip",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			p := fixture.NewProvisioner(cfg.CacheDir, root.logger(cmd.ErrOrStderr()))
			p.S3Config = cfg.S3
			rec := metrics.New()

			dir, err := p.Fetch(cmd.Context(), args[0], args[1])
			rec.ObserveFetch(err == nil)
			if werr := root.writeMetrics(rec); werr != nil {
				return werr
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "fetch", err)
			}

			res := fetchResult{Name: args[0], URI: args[1], Dir: dir}
			res.Files, res.Bytes, err = treeSize(dir)
			if err != nil {
				return err
			}
			return root.formatter(cmd).Result(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %d files, %s in %s\n", res.Name, res.Files, humanize.Bytes(uint64(res.Bytes)), res.Dir)
				return err
			})
		},
	}
}

// treeSize counts the regular files below dir, ignoring dot files.
func treeSize(dir string) (files int, size int64, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || d.Name()[0] == '.' {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		size += info.Size()
		return nil
	})
	return files, size, err
}
