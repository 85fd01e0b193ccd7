package forge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mrsinham/dicomconform/internal/forge/modalities"
	"github.com/mrsinham/dicomconform/internal/forge/vendor"
	"github.com/mrsinham/dicomconform/internal/volume"
)

// Identifiers of the deidentified sagittal MR head series.
const (
	MRHeadUIDRoot          = "1.3.6.1.4.1.5962.99.1.3814087073.479799962.1489872804257"
	MRHeadSeriesUID        = MRHeadUIDRoot + ".270.0"
	MRHeadSeriesNumber     = 4
	MRHeadDescription      = "SAG RF FAST VOL FLIP 20"
	MRHeadSlices           = 130
	MRHeadSliceSpacing     = 1.29999542
	MRHeadFieldOfView      = 256.0
	mrHeadFirstInstanceNum = 271
)

// MouseMRSeriesUID identifies the small-animal MR series.
const MouseMRSeriesUID = "1.3.6.1.4.1.9590.100.1.2.366426457713813178933224342280246227461"

// CTChestSeriesUID identifies the synthetic CT series.
const CTChestSeriesUID = "2.25.113800000000000000000000000000000001"

// MRHeadLastPosition is the ImagePositionPatient of the last sagittal slice.
var MRHeadLastPosition = volume.Vec3{-81.05451202, -133.92860413, 116.78569794}

// MRHeadInstanceUID returns the SOPInstanceUID of slice i of the MR head series.
func MRHeadInstanceUID(i int) string {
	return fmt.Sprintf("%s.%d.0", MRHeadUIDRoot, mrHeadFirstInstanceNum+i)
}

// Profile is a named recipe for a reference series.
type Profile struct {
	Name          string
	Description   string
	DefaultMatrix int
	// ScannerTags adds the private elements of the scanner's manufacturer.
	ScannerTags   bool
	options       func(matrix int) SeriesOptions
}

// Options returns the series options of the profile at the given in-plane
// matrix size. A matrix of 0 uses the default. The field of view does not
// depend on the matrix.
func (p Profile) Options(outputDir string, matrix int) SeriesOptions {
	if matrix <= 0 {
		matrix = p.DefaultMatrix
	}
	opts := p.options(matrix)
	opts.OutputDir = outputDir
	opts.Seed = p.Name
	if p.ScannerTags {
		params := modalities.GetGenerator(opts.Modality).DefaultParams()
		if opts.Params != nil {
			params = *opts.Params
		}
		if v, ok := vendor.ForManufacturer(params.Scanner.Manufacturer); ok {
			opts.Vendors = []vendor.Vendor{v}
		}
	}
	return opts
}

var profiles = map[string]Profile{
	"mr-head": {
		Name:          "mr-head",
		Description:   "130 sagittal MR slices of a head, explicit VR little endian",
		DefaultMatrix: 256,
		ScannerTags:   true,
		options: func(matrix int) SeriesOptions {
			spacing := MRHeadFieldOfView / float64(matrix)
			return SeriesOptions{
				Modality:          modalities.MR,
				SeriesNumber:      MRHeadSeriesNumber,
				SeriesDescription: MRHeadDescription,
				PatientID:         "MRHEAD",
				PatientName:       "Anonymous^MRHead",
				Rows:              matrix,
				Columns:           matrix,
				Slices:            MRHeadSlices,
				PixelSpacing:      [2]float64{spacing, spacing},
				SliceSpacing:      MRHeadSliceSpacing,
				Orientation:       [6]float64{0, 1, 0, 0, 0, -1},
				LastPosition:      MRHeadLastPosition,
				TransferSyntax:    ExplicitVRLittleEndian,
				StudyUID:          MRHeadUIDRoot + ".1.0",
				SeriesUID:         MRHeadSeriesUID,
				InstanceUID:       MRHeadInstanceUID,
				Label:             true,
			}
		},
	},
	"mouse-mr": {
		Name:          "mouse-mr",
		Description:   "20 axial small-animal MR slices, implicit VR little endian",
		DefaultMatrix: 64,
		options: func(matrix int) SeriesOptions {
			spacing := 16.0 / float64(matrix)
			return SeriesOptions{
				Modality:          modalities.MR,
				SeriesNumber:      1,
				SeriesDescription: "T2 RARE",
				PatientID:         "MOUSE01",
				PatientName:       "Mouse^01",
				Rows:              matrix,
				Columns:           matrix,
				Slices:            20,
				PixelSpacing:      [2]float64{spacing, spacing},
				SliceSpacing:      0.5,
				Orientation:       [6]float64{1, 0, 0, 0, 1, 0},
				LastPosition:      volume.Vec3{-8, -8, 4.75},
				TransferSyntax:    ImplicitVRLittleEndian,
				SeriesUID:         MouseMRSeriesUID,
			}
		},
	},
	"ct-chest": {
		Name:          "ct-chest",
		Description:   "40 axial CT slices with a Hounsfield rescale",
		DefaultMatrix: 64,
		ScannerTags:   true,
		options: func(matrix int) SeriesOptions {
			spacing := 350.0 / float64(matrix)
			return SeriesOptions{
				Modality:          modalities.CT,
				SeriesNumber:      2,
				SeriesDescription: "CHEST 2.5mm",
				PatientID:         "CTCHEST",
				PatientName:       "Anonymous^CTChest",
				Rows:              matrix,
				Columns:           matrix,
				Slices:            40,
				PixelSpacing:      [2]float64{spacing, spacing},
				SliceSpacing:      2.5,
				Orientation:       [6]float64{1, 0, 0, 0, 1, 0},
				LastPosition:      volume.Vec3{-175, -175, -100},
				TransferSyntax:    ExplicitVRLittleEndian,
				SeriesUID:         CTChestSeriesUID,
				Label:             true,
			}
		},
	},
}

// Profiles returns the profile names in sorted order.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupProfile returns a profile by name.
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q, valid profiles: %v", name, Profiles())
	}
	return p, nil
}

// GenerateProfile writes the series of a profile under outputDir. A nil
// vendors keeps the profile's private tags; an empty one writes none.
func GenerateProfile(ctx context.Context, name, outputDir string, matrix int, vendors []vendor.Vendor, logger *slog.Logger) (*GeneratedSeries, error) {
	p, err := LookupProfile(name)
	if err != nil {
		return nil, err
	}
	opts := p.Options(outputDir, matrix)
	if vendors != nil {
		opts.Vendors = vendors
	}
	opts.Logger = logger
	return GenerateSeries(ctx, opts)
}
