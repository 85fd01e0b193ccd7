// Package fixture provisions the reference DICOM datasets the conformance
// suite runs against and prepares scratch copies that scenarios may damage.
package fixture

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mrsinham/dicomconform/internal/volume"
)

// Dataset is one reference dataset.
type Dataset struct {
	Name string `yaml:"name" json:"name"`
	// URL locates the dataset: http(s)://, s3://bucket/key, file:// or a
	// bare path, or forge://<profile>?matrix=N.
	URL string `yaml:"url" json:"url"`
	// FileName is the name the downloaded archive is cached under.
	FileName  string `yaml:"file_name,omitempty" json:"file_name,omitempty"`
	SeriesUID string `yaml:"series_uid" json:"series_uid"`
	// ExpectedFailures lists the reader approaches that must not load the series.
	ExpectedFailures []string `yaml:"expected_failures,omitempty" json:"expected_failures,omitempty"`
	// VoxelValueQuantity and VoxelValueUnits are printable coded entries,
	// for example (110852, DCM, "MR signal intensity"). Empty skips the check.
	VoxelValueQuantity string `yaml:"voxel_value_quantity,omitempty" json:"voxel_value_quantity,omitempty"`
	VoxelValueUnits    string `yaml:"voxel_value_units,omitempty" json:"voxel_value_units,omitempty"`
}

// ExpectsFailure reports whether approach is expected to fail on the dataset.
func (d Dataset) ExpectsFailure(approach string) bool {
	return slices.Contains(d.ExpectedFailures, approach)
}

// Validate checks the fields every scenario relies on.
func (d Dataset) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.URL == "" {
		errs = append(errs, fmt.Errorf("dataset %q: url is required", d.Name))
	}
	if d.SeriesUID == "" {
		errs = append(errs, fmt.Errorf("dataset %q: series_uid is required", d.Name))
	}
	return errors.Join(errs...)
}

// MissingSliceScenario removes interior slices from a dataset and states
// where the last slice must end up once the geometry is corrected.
type MissingSliceScenario struct {
	// Dataset names an entry of the configured datasets.
	Dataset string `yaml:"dataset" json:"dataset"`
	// SeriesDirectory is relative to the provisioned dataset directory.
	SeriesDirectory string   `yaml:"series_directory" json:"series_directory"`
	FilesToRemove   []string `yaml:"files_to_remove" json:"files_to_remove"`
	// LastSliceCorners are the RAS corners of the last slice, indexed
	// [row][column][axis].
	LastSliceCorners [][][]float64 `yaml:"last_slice_corners" json:"last_slice_corners"`
	RTol             float64       `yaml:"rtol,omitempty" json:"rtol,omitempty"`
	ATol             float64       `yaml:"atol,omitempty" json:"atol,omitempty"`
}

// Default tolerances, those of numpy.allclose.
const (
	DefaultRTol = 1e-5
	DefaultATol = 1e-8
)

// Corners returns the expected last-slice corners.
func (s MissingSliceScenario) Corners() (volume.Corners, error) {
	var c volume.Corners
	if len(s.LastSliceCorners) != 2 {
		return c, fmt.Errorf("last_slice_corners has %d rows, want 2", len(s.LastSliceCorners))
	}
	for a, row := range s.LastSliceCorners {
		if len(row) != 2 {
			return c, fmt.Errorf("last_slice_corners row %d has %d points, want 2", a, len(row))
		}
		for b, p := range row {
			if len(p) != 3 {
				return c, fmt.Errorf("last_slice_corners[%d][%d] has %d coordinates, want 3", a, b, len(p))
			}
			c[a][b] = volume.Vec3{p[0], p[1], p[2]}
		}
	}
	return c, nil
}

// Tolerances returns the configured tolerances, falling back to the defaults.
func (s MissingSliceScenario) Tolerances() (rtol, atol float64) {
	rtol, atol = s.RTol, s.ATol
	if rtol <= 0 {
		rtol = DefaultRTol
	}
	if atol <= 0 {
		atol = DefaultATol
	}
	return rtol, atol
}
