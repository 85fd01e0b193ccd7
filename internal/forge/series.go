// Package forge synthesizes DICOM series with exactly known geometry. The
// series are used as offline reference fixtures and in tests.
package forge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	randv2 "math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/mrsinham/dicomconform/internal/forge/modalities"
	"github.com/mrsinham/dicomconform/internal/forge/vendor"
	"github.com/mrsinham/dicomconform/internal/volume"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Transfer syntaxes the forge can write.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// SeriesOptions describes one series to synthesize. Positions follow the
// DICOM patient (LPS) convention.
type SeriesOptions struct {
	// OutputDir receives the series directory.
	OutputDir string

	Modality          modalities.Modality
	SeriesNumber      int
	SeriesDescription string
	PatientID         string
	PatientName       string

	Rows    int
	Columns int
	Slices  int
	// PixelSpacing is the row spacing then the column spacing, in mm.
	PixelSpacing [2]float64
	SliceSpacing float64
	// Orientation is the row direction cosine followed by the column direction cosine.
	Orientation [6]float64
	// LastPosition is the position of the slice furthest along the slice normal.
	LastPosition volume.Vec3

	TransferSyntax string

	// StudyUID and SeriesUID default to UIDs derived from Seed.
	StudyUID  string
	SeriesUID string
	// InstanceUID names slice i, counted from the first slice along the normal.
	// Defaults to UIDs derived from Seed.
	InstanceUID func(i int) string

	// Params overrides the modality defaults.
	Params *modalities.SeriesParams
	// Vendors adds the private elements of these vendors to every slice.
	Vendors []vendor.Vendor
	// Label burns the slice number into the pixels.
	Label bool

	Seed    string
	Workers int
	// ProgressCallback is called after each slice is written.
	ProgressCallback func(done, total int)
	Logger           *slog.Logger
}

// GeneratedSeries describes the files written for one series.
type GeneratedSeries struct {
	Directory string
	StudyUID  string
	SeriesUID string
	Vendors   []vendor.Vendor
	Files     []GeneratedFile
}

// GeneratedFile describes one written slice.
type GeneratedFile struct {
	Path           string
	SOPInstanceUID string
	InstanceNumber int
	Position       volume.Vec3
}

// SeriesDirName returns the directory name used for a series, for example
// "Series 004 [MR - SAG RF FAST VOL FLIP 20]".
func SeriesDirName(number int, modality modalities.Modality, description string) string {
	return fmt.Sprintf("Series %03d [%s - %s]", number, modality, description)
}

// SliceNormal returns the unit normal of the slices for an orientation.
func SliceNormal(orientation [6]float64) volume.Vec3 {
	row := volume.Vec3{orientation[0], orientation[1], orientation[2]}
	col := volume.Vec3{orientation[3], orientation[4], orientation[5]}
	return row.Cross(col).Normalize()
}

// Validate checks that the options describe a writable series.
func (o *SeriesOptions) Validate() error {
	if o.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if o.Rows <= 0 || o.Columns <= 0 || o.Slices <= 0 {
		return fmt.Errorf("matrix must be positive, got %dx%dx%d", o.Columns, o.Rows, o.Slices)
	}
	if o.PixelSpacing[0] <= 0 || o.PixelSpacing[1] <= 0 || o.SliceSpacing <= 0 {
		return fmt.Errorf("spacing must be positive, got %v and %g", o.PixelSpacing, o.SliceSpacing)
	}
	if SliceNormal(o.Orientation).Norm() < 0.5 {
		return fmt.Errorf("orientation %v does not span a plane", o.Orientation)
	}
	switch o.TransferSyntax {
	case "", ExplicitVRLittleEndian:
	case ImplicitVRLittleEndian:
		if len(o.Vendors) > 0 {
			return errors.New("vendor private elements require explicit VR little endian")
		}
	default:
		return fmt.Errorf("unsupported transfer syntax %q", o.TransferSyntax)
	}
	if _, err := modalities.Parse(string(o.Modality)); err != nil {
		return err
	}
	return nil
}

// sliceTask contains all data needed to write a single slice.
type sliceTask struct {
	index     int
	filePath  string
	label     string
	pixelSeed uint64
	metadata  []*dicom.Element
	pixels    modalities.PixelConfig
	writeOpts []dicom.WriteOption
}

// GenerateSeries writes one file per slice into
// <OutputDir>/<SeriesDirName>/<SOPInstanceUID>.dcm.
func GenerateSeries(ctx context.Context, opts SeriesOptions) (*GeneratedSeries, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid series options: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	transferSyntax := opts.TransferSyntax
	if transferSyntax == "" {
		transferSyntax = ExplicitVRLittleEndian
	}
	seed := opts.Seed
	if seed == "" {
		seed = fmt.Sprintf("%s/%d/%s", opts.PatientID, opts.SeriesNumber, opts.SeriesDescription)
	}
	studyUID := opts.StudyUID
	if studyUID == "" {
		studyUID = DeterministicUID(seed + "/study")
	}
	seriesUID := opts.SeriesUID
	if seriesUID == "" {
		seriesUID = DeterministicUID(seed + "/series")
	}
	instanceUID := opts.InstanceUID
	if instanceUID == nil {
		instanceUID = func(i int) string {
			return DeterministicUID(fmt.Sprintf("%s/instance/%d", seed, i))
		}
	}

	modalityGen := modalities.GetGenerator(opts.Modality)
	params := modalityGen.DefaultParams()
	if opts.Params != nil {
		params = *opts.Params
	}
	pixelConfig := modalityGen.PixelConfig()

	seriesDir := filepath.Join(opts.OutputDir, SeriesDirName(opts.SeriesNumber, opts.Modality, opts.SeriesDescription))
	if err := os.MkdirAll(seriesDir, 0755); err != nil {
		return nil, fmt.Errorf("create series directory: %w", err)
	}

	normal := SliceNormal(opts.Orientation)
	orientation := make([]string, 6)
	for i, v := range opts.Orientation {
		orientation[i] = formatDS(v)
	}
	frameOfReferenceUID := DeterministicUID(seed + "/frame")
	rng := randv2.New(randv2.NewPCG(seedHash(seed), 0))

	// Phase 1: build the metadata of every slice.
	tasks := make([]sliceTask, opts.Slices)
	result := &GeneratedSeries{Directory: seriesDir, StudyUID: studyUID, SeriesUID: seriesUID, Vendors: opts.Vendors}
	for i := 0; i < opts.Slices; i++ {
		sopInstanceUID := instanceUID(i)
		position := opts.LastPosition.Sub(normal.Scale(float64(opts.Slices-1-i) * opts.SliceSpacing))
		instanceNumber := i + 1

		metadata := []*dicom.Element{
			mustNewElement(tag.TransferSyntaxUID, []string{transferSyntax}),
			mustNewElement(tag.MediaStorageSOPClassUID, []string{modalityGen.SOPClassUID()}),
			mustNewElement(tag.MediaStorageSOPInstanceUID, []string{sopInstanceUID}),
			mustNewElement(tag.SOPClassUID, []string{modalityGen.SOPClassUID()}),
			mustNewElement(tag.SOPInstanceUID, []string{sopInstanceUID}),
			mustNewElement(tag.Modality, []string{string(opts.Modality)}),
			mustNewElement(tag.Manufacturer, []string{params.Scanner.Manufacturer}),
			mustNewElement(tag.ManufacturerModelName, []string{params.Scanner.Model}),
			mustNewElement(tag.SeriesDescription, []string{opts.SeriesDescription}),
			mustNewElement(tag.PatientName, []string{opts.PatientName}),
			mustNewElement(tag.PatientID, []string{opts.PatientID}),
			mustNewElement(tag.SliceThickness, []string{formatDS(opts.SliceSpacing)}),
			mustNewElement(tag.StudyInstanceUID, []string{studyUID}),
			mustNewElement(tag.SeriesInstanceUID, []string{seriesUID}),
			mustNewElement(tag.SeriesNumber, []string{strconv.Itoa(opts.SeriesNumber)}),
			mustNewElement(tag.InstanceNumber, []string{strconv.Itoa(instanceNumber)}),
			mustNewElement(tag.ImagePositionPatient, []string{formatDS(position[0]), formatDS(position[1]), formatDS(position[2])}),
			mustNewElement(tag.ImageOrientationPatient, orientation),
			mustNewElement(tag.FrameOfReferenceUID, []string{frameOfReferenceUID}),
			mustNewElement(tag.SliceLocation, []string{formatDS(position.Dot(normal))}),
			mustNewElement(tag.SamplesPerPixel, []int{1}),
			mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			mustNewElement(tag.Rows, []int{opts.Rows}),
			mustNewElement(tag.Columns, []int{opts.Columns}),
			mustNewElement(tag.PixelSpacing, []string{formatDS(opts.PixelSpacing[0]), formatDS(opts.PixelSpacing[1])}),
			mustNewElement(tag.BitsAllocated, []int{int(pixelConfig.BitsAllocated)}),
			mustNewElement(tag.BitsStored, []int{int(pixelConfig.BitsStored)}),
			mustNewElement(tag.HighBit, []int{int(pixelConfig.HighBit)}),
			mustNewElement(tag.PixelRepresentation, []int{int(pixelConfig.PixelRepresentation)}),
			mustNewElement(tag.WindowCenter, []string{formatDS(params.WindowCenter)}),
			mustNewElement(tag.WindowWidth, []string{formatDS(params.WindowWidth)}),
		}

		ds := &dicom.Dataset{Elements: metadata}
		if err := modalityGen.AppendModalityElements(ds, params); err != nil {
			return nil, fmt.Errorf("add modality elements for slice %d: %w", i, err)
		}
		metadata = ds.Elements

		var writeOpts []dicom.WriteOption
		if len(opts.Vendors) > 0 {
			metadata = append(metadata, vendor.Elements(opts.Vendors, rng)...)
			writeOpts = []dicom.WriteOption{dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()}
		}
		vendor.SortElements(metadata)

		label := ""
		if opts.Label {
			label = fmt.Sprintf("%d/%d", instanceNumber, opts.Slices)
		}
		filePath := filepath.Join(seriesDir, sopInstanceUID+".dcm")
		tasks[i] = sliceTask{
			index:     i,
			filePath:  filePath,
			label:     label,
			pixelSeed: seedHash(fmt.Sprintf("%s/pixels/%d", seed, i)),
			metadata:  metadata,
			pixels:    pixelConfig,
			writeOpts: writeOpts,
		}
		result.Files = append(result.Files, GeneratedFile{
			Path:           filePath,
			SOPInstanceUID: sopInstanceUID,
			InstanceNumber: instanceNumber,
			Position:       position,
		})
	}

	// Phase 2: write the slices in parallel.
	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	numWorkers = min(numWorkers, len(tasks))
	logger.Debug("writing series", "directory", seriesDir, "slices", len(tasks), "workers", numWorkers)

	taskChan := make(chan sliceTask, len(tasks))
	type sliceResult struct {
		index int
		err   error
	}
	resultChan := make(chan sliceResult, len(tasks))

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				if err := ctx.Err(); err != nil {
					resultChan <- sliceResult{task.index, err}
					continue
				}
				resultChan <- sliceResult{task.index, writeSlice(task, opts.Rows, opts.Columns)}
			}
		}()
	}

	for _, task := range tasks {
		taskChan <- task
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	completed := 0
	var firstErr error
	for r := range resultChan {
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write slice %d: %w", r.index, r.err)
		}
		completed++
		if opts.ProgressCallback != nil {
			opts.ProgressCallback(completed, len(tasks))
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	logger.Info("series written", "directory", seriesDir, "series_uid", seriesUID, "slices", len(tasks))
	return result, nil
}

// writeSlice renders the synthetic phantom for one slice and writes the file.
func writeSlice(task sliceTask, rows, cols int) error {
	cfg := task.pixels
	rng := randv2.New(randv2.NewPCG(task.pixelSeed, task.pixelSeed))

	valueRange := float64(cfg.MaxValue - cfg.MinValue)
	centerX, centerY := float64(cols)/2, float64(rows)/2
	maxDist := math.Sqrt(centerX*centerX + centerY*centerY)
	maxStored := float64(int(1)<<cfg.BitsStored - 1)

	nativeFrame := frame.NewNativeFrame[uint16](int(cfg.BitsAllocated), rows, cols, rows*cols, 1)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			dx, dy := float64(x)-centerX, float64(y)-centerY
			dist := math.Sqrt(dx*dx+dy*dy) / maxDist
			intensity := float64(cfg.BaseValue) + (1-dist)*valueRange*0.3
			intensity += (rng.Float64() - 0.5) * valueRange * 0.2
			nativeFrame.RawData[y*cols+x] = uint16(math.Max(0, math.Min(maxStored, intensity)))
		}
	}
	drawLabel(nativeFrame, cols, rows, task.label, uint16(maxStored))

	elements := make([]*dicom.Element, len(task.metadata), len(task.metadata)+1)
	copy(elements, task.metadata)
	elements = append(elements, mustNewElement(tag.PixelData, dicom.PixelDataInfo{
		Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
	}))

	return writeDatasetToFile(task.filePath, dicom.Dataset{Elements: elements}, task.writeOpts...)
}

// writeDatasetToFile writes a DICOM dataset to a file
func writeDatasetToFile(filename string, ds dicom.Dataset, opts ...dicom.WriteOption) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := dicom.Write(f, ds, opts...); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

// formatDS renders a Decimal String value within the 16 character limit.
func formatDS(f float64) string {
	if f == 0 {
		return "0"
	}
	s := strconv.FormatFloat(f, 'f', 8, 64)
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	s = trimDot(s)
	if len(s) > 16 {
		s = strconv.FormatFloat(f, 'g', 10, 64)
	}
	return s
}

func trimDot(s string) string {
	if s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

func seedHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
