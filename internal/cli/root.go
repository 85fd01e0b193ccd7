// Package cli implements the dicomconform command.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/mrsinham/dicomconform/internal/config"
	"github.com/spf13/cobra"
)

// RootOptions holds the global flags.
type RootOptions struct {
	Config      string
	Format      string // "text" | "json"
	Verbose     bool
	CacheDir    string
	Database    string
	MetricsFile string

	// lookupEnv reads the environment. Tests replace it.
	lookupEnv func(string) (string, bool)
}

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the dicomconform command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{lookupEnv: os.LookupEnv}

	cmd := &cobra.Command{
		Use:   "dicomconform",
		Short: "Check that DICOM reader approaches agree",
		Long: "dicomconform loads reference DICOM series with every reader approach of a\n" +
			"volume plugin, compares the results and checks how missing slices are handled.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.Config, "config", "c", "offline",
		fmt.Sprintf("builtin configuration %v or path to a YAML file", config.Builtins()))
	flags.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "log progress to stderr")
	flags.StringVar(&opts.CacheDir, "cache-dir", "", "dataset cache directory (overrides "+config.EnvCacheDir+")")
	flags.StringVar(&opts.Database, "database", "", "index database directory or postgres:// URL (overrides "+config.EnvDatabase+")")
	flags.StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file after the command")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newFetchCommand(opts))
	cmd.AddCommand(newIndexCommand(opts))
	cmd.AddCommand(newForgeCommand(opts))
	cmd.AddCommand(newVersionCommand(version))
	return cmd
}

// logger returns the logger of a command: warnings only unless --verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the selected configuration and applies the environment
// and the flags, in that order.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	lookup := o.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg.ApplyEnv(lookup)
	if o.CacheDir != "" {
		cfg.CacheDir = o.CacheDir
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if err := cfg.Resolve(); err != nil {
		return nil, WrapExitError(ExitCommandError, "resolve config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
