// Package config loads the conformance suite configuration.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mrsinham/dicomconform/internal/fixture"
	"github.com/mrsinham/dicomconform/internal/plugin"
	"gopkg.in/yaml.v3"
)

//go:embed reference.yaml
var referenceYAML []byte

//go:embed offline.yaml
var offlineYAML []byte

var builtins = map[string][]byte{
	"reference": referenceYAML,
	"offline":   offlineYAML,
}

// Environment variables that override the configuration.
const (
	EnvCacheDir    = "DICOMCONFORM_CACHE_DIR"
	EnvDatabase    = "DICOMCONFORM_DATABASE"
	EnvS3Region    = "DICOMCONFORM_S3_REGION"
	EnvS3Endpoint  = "DICOMCONFORM_S3_ENDPOINT"
	EnvS3PathStyle = "DICOMCONFORM_S3_PATH_STYLE"
)

// Config is the suite configuration.
type Config struct {
	// CacheDir holds downloaded datasets. Defaults to the user cache directory.
	CacheDir string `yaml:"cache_dir,omitempty"`
	// Database is the index location the suite starts from and restores:
	// a directory or a postgres:// URL. Defaults to <CacheDir>/database.
	Database string `yaml:"database,omitempty"`
	// TempDatabase names the scratch database each scenario switches to.
	TempDatabase string `yaml:"temp_database"`
	// Plugin is the registry name of the plugin whose approaches are compared.
	Plugin             string  `yaml:"plugin"`
	RegularizeGeometry string  `yaml:"regularize_geometry"`
	CornerEpsilon      float64 `yaml:"corner_epsilon,omitempty"`
	// Workers bounds the indexer worker pool. 0 uses all CPUs.
	Workers int `yaml:"workers,omitempty"`

	S3            fixture.S3Config              `yaml:"s3,omitempty"`
	Datasets      []fixture.Dataset             `yaml:"datasets"`
	MissingSlices *fixture.MissingSliceScenario `yaml:"missing_slices,omitempty"`
}

// Builtins returns the names of the embedded configurations.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads the named embedded configuration or, failing that, a YAML file.
func Load(nameOrPath string) (*Config, error) {
	if data, ok := builtins[nameOrPath]; ok {
		return Parse(data)
	}
	data, err := os.ReadFile(nameOrPath)
	if err != nil {
		return nil, fmt.Errorf("read config (builtins are %s): %w", strings.Join(Builtins(), ", "), err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", nameOrPath, err)
	}
	return cfg, nil
}

// Parse decodes a configuration, rejecting unknown fields, and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.TempDatabase == "" {
		c.TempDatabase = "tempDICOMDatabase"
	}
	if c.Plugin == "" {
		c.Plugin = plugin.ScalarVolumeName
	}
	if c.RegularizeGeometry == "" {
		c.RegularizeGeometry = plugin.RegularizeTransform
	}
	if c.CornerEpsilon <= 0 {
		c.CornerEpsilon = plugin.DefaultCornerEpsilon
	}
}

// ApplyEnv overrides settings from the environment through lookup, usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvCacheDir); ok && v != "" {
		c.CacheDir = v
	}
	if v, ok := lookup(EnvDatabase); ok && v != "" {
		c.Database = v
	}
	if v, ok := lookup(EnvS3Region); ok && v != "" {
		c.S3.Region = v
	}
	if v, ok := lookup(EnvS3Endpoint); ok && v != "" {
		c.S3.Endpoint = v
	}
	if v, ok := lookup(EnvS3PathStyle); ok {
		c.S3.PathStyle = strings.EqualFold(v, "true")
	}
}

// Resolve fills the locations that depend on the host.
func (c *Config) Resolve() error {
	if c.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("locate cache directory: %w", err)
		}
		c.CacheDir = filepath.Join(dir, "dicomconform")
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.CacheDir, "database")
	}
	return nil
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	var errs []error
	switch c.RegularizeGeometry {
	case plugin.RegularizeNone, plugin.RegularizeTransform:
	default:
		errs = append(errs, fmt.Errorf("regularize_geometry must be %q or %q, got %q",
			plugin.RegularizeNone, plugin.RegularizeTransform, c.RegularizeGeometry))
	}
	seen := make(map[string]bool, len(c.Datasets))
	for i, ds := range c.Datasets {
		if err := ds.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("datasets[%d]: %w", i, err))
		}
		if seen[ds.Name] {
			errs = append(errs, fmt.Errorf("datasets[%d]: duplicate name %q", i, ds.Name))
		}
		seen[ds.Name] = true
	}
	if ms := c.MissingSlices; ms != nil {
		if !seen[ms.Dataset] {
			errs = append(errs, fmt.Errorf("missing_slices: unknown dataset %q", ms.Dataset))
		}
		if len(ms.FilesToRemove) == 0 {
			errs = append(errs, errors.New("missing_slices: files_to_remove is empty"))
		}
		if _, err := ms.Corners(); err != nil {
			errs = append(errs, fmt.Errorf("missing_slices: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Dataset returns the dataset with the given name.
func (c *Config) Dataset(name string) (fixture.Dataset, bool) {
	for _, ds := range c.Datasets {
		if ds.Name == name {
			return ds, true
		}
	}
	return fixture.Dataset{}, false
}

// ScalarOptions returns the plugin options the configuration selects.
func (c *Config) ScalarOptions() plugin.ScalarOptions {
	return plugin.ScalarOptions{RegularizeGeometry: c.RegularizeGeometry, CornerEpsilon: c.CornerEpsilon}
}
