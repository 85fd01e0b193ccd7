package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/mrsinham/dicomconform/internal/dicomdb"
	"github.com/mrsinham/dicomconform/internal/volume"
)

// ScalarVolumeName is the registry name of the scalar volume plugin.
const ScalarVolumeName = "DICOMScalarVolumePlugin"

// Geometry regularization modes.
const (
	RegularizeNone      = "none"
	RegularizeTransform = "transform"
)

// DefaultCornerEpsilon is the largest distance in mm an acquired slice corner
// may lie from the voxel grid before the geometry counts as irregular.
const DefaultCornerEpsilon = 1e-3

// Coded voxel value descriptions per modality.
var (
	MRSignalIntensity      = volume.CodedEntry{Value: "110852", Scheme: "DCM", Meaning: "MR signal intensity"}
	NoUnits                = volume.CodedEntry{Value: "1", Scheme: "UCUM", Meaning: "no units"}
	AttenuationCoefficient = volume.CodedEntry{Value: "112031", Scheme: "DCM", Meaning: "Attenuation Coefficient"}
	HounsfieldUnit         = volume.CodedEntry{Value: "[hnsf'U]", Scheme: "UCUM", Meaning: "Hounsfield unit"}
)

// VoxelValueCoding returns the quantity and units stored for a modality.
// Unknown modalities yield zero entries.
func VoxelValueCoding(modality string) (quantity, units volume.CodedEntry) {
	switch strings.ToUpper(strings.TrimSpace(modality)) {
	case "MR":
		return MRSignalIntensity, NoUnits
	case "CT":
		return AttenuationCoefficient, HounsfieldUnit
	}
	return volume.CodedEntry{}, volume.CodedEntry{}
}

// ScalarOptions configures the scalar volume plugin.
type ScalarOptions struct {
	// RegularizeGeometry is RegularizeNone or RegularizeTransform.
	RegularizeGeometry string
	CornerEpsilon      float64
	Logger             *slog.Logger
}

// AcquisitionModeling records how the acquired slice corners of the last
// load relate to the voxel grid.
type AcquisitionModeling struct {
	CornerEpsilon   float64
	OriginalCorners []volume.Corners
	TargetCorners   []volume.Corners
	// FixedCorners are the target corners moved by the acquisition
	// transform. Nil when no transform was created.
	FixedCorners []volume.Corners
}

// MaxCornerError returns how far the voxel grid is from the acquired slices.
func (m *AcquisitionModeling) MaxCornerError() float64 {
	return volume.MaxDistance(volume.FlattenCorners(m.OriginalCorners), volume.FlattenCorners(m.TargetCorners))
}

// AcquisitionModeler is implemented by plugins that record acquisition modeling.
type AcquisitionModeler interface {
	AcquisitionModeling() *AcquisitionModeling
}

// ScalarVolumePlugin loads single-frame image series as scalar volumes.
type ScalarVolumePlugin struct {
	db       HeaderDatabase
	opts     ScalarOptions
	logger   *slog.Logger
	modeling *AcquisitionModeling
}

// NewScalarVolumePlugin returns a plugin reading header values from db.
func NewScalarVolumePlugin(db HeaderDatabase, opts ScalarOptions) *ScalarVolumePlugin {
	if opts.RegularizeGeometry == "" {
		opts.RegularizeGeometry = RegularizeNone
	}
	if opts.CornerEpsilon <= 0 {
		opts.CornerEpsilon = DefaultCornerEpsilon
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ScalarVolumePlugin{db: db, opts: opts, logger: logger}
}

// ScalarVolumeFactory returns a Factory creating scalar volume plugins.
func ScalarVolumeFactory(opts ScalarOptions) Factory {
	return func(db HeaderDatabase) Plugin {
		return NewScalarVolumePlugin(db, opts)
	}
}

// DefaultRegistry returns a registry holding the scalar volume plugin.
func DefaultRegistry(opts ScalarOptions) *Registry {
	r := NewRegistry()
	// A fresh registry cannot hold a duplicate.
	_ = r.Register(ScalarVolumeName, ScalarVolumeFactory(opts))
	return r
}

func (p *ScalarVolumePlugin) Name() string { return ScalarVolumeName }

func (p *ScalarVolumePlugin) ReaderApproaches() []string {
	return []string{ApproachDataset, ApproachStreaming, ApproachArchetype}
}

// AcquisitionModeling returns the modeling recorded by the last Load, or nil.
func (p *ScalarVolumePlugin) AcquisitionModeling() *AcquisitionModeling { return p.modeling }

// Examine offers one loadable per file list, with files sorted along the
// slice normal.
func (p *ScalarVolumePlugin) Examine(ctx context.Context, fileLists [][]string) ([]*Loadable, error) {
	var loadables []*Loadable
	for _, files := range fileLists {
		if len(files) == 0 {
			continue
		}
		slices := make([]sliceGeometry, 0, len(files))
		for _, path := range files {
			g, err := p.fileGeometry(ctx, path)
			if err != nil {
				return nil, err
			}
			slices = append(slices, g)
		}
		sorted, _, warning := sortSlices(slices)

		name, err := p.seriesName(ctx, files[0])
		if err != nil {
			return nil, err
		}
		l := &Loadable{
			Name:       name,
			Warning:    warning,
			Selected:   true,
			Confidence: 0.5,
			Plugin:     ScalarVolumeName,
		}
		for _, s := range sorted {
			l.Files = append(l.Files, s.path)
		}
		if warning != "" {
			p.logger.Warn("series geometry", "series", name, "warning", warning)
		}
		loadables = append(loadables, l)
	}
	return loadables, nil
}

func (p *ScalarVolumePlugin) fileGeometry(ctx context.Context, path string) (sliceGeometry, error) {
	g := sliceGeometry{path: path}
	ipp, err := p.db.FileValue(ctx, path, "ImagePositionPatient")
	if err != nil {
		return g, fmt.Errorf("read position of %s: %w", path, err)
	}
	iop, err := p.db.FileValue(ctx, path, "ImageOrientationPatient")
	if err != nil {
		return g, fmt.Errorf("read orientation of %s: %w", path, err)
	}
	position, err1 := dicomdb.SplitFloats(ipp)
	orientation, err2 := dicomdb.SplitFloats(iop)
	if err1 != nil || err2 != nil || len(position) != 3 || len(orientation) != 6 {
		return g, nil
	}
	copy(g.position[:], position)
	copy(g.orientation[:], orientation)
	g.ok = true
	return g, nil
}

func (p *ScalarVolumePlugin) seriesName(ctx context.Context, path string) (string, error) {
	number, err := p.db.FileValue(ctx, path, "SeriesNumber")
	if err != nil {
		return "", err
	}
	description, err := p.db.FileValue(ctx, path, "SeriesDescription")
	if err != nil {
		return "", err
	}
	number, description = strings.TrimSpace(number), strings.TrimSpace(description)
	switch {
	case number != "" && description != "":
		return number + ": " + description, nil
	case description != "":
		return description, nil
	case number != "":
		return number + ": Unnamed Series", nil
	}
	return "Unnamed Series", nil
}

func (p *ScalarVolumePlugin) reader(approach string) (sliceReader, error) {
	switch approach {
	case ApproachDataset:
		return readDataset, nil
	case ApproachStreaming:
		return readStreaming, nil
	case ApproachArchetype:
		return archetypeReader(p.db), nil
	}
	return nil, fmt.Errorf("unknown reader approach %q (have %s)", approach, strings.Join(p.ReaderApproaches(), ", "))
}

// Load decodes the files of a loadable into a volume with the given reader
// approach; "" selects the default one.
func (p *ScalarVolumePlugin) Load(ctx context.Context, l *Loadable, approach string) (*volume.Volume, error) {
	if approach == "" {
		approach = p.ReaderApproaches()[0]
	}
	read, err := p.reader(approach)
	if err != nil {
		return nil, err
	}
	if l == nil || len(l.Files) == 0 {
		return nil, errors.New("loadable has no files")
	}
	p.modeling = nil

	slices, err := read(ctx, l.Files)
	if err != nil {
		return nil, fmt.Errorf("%s reader: %w", approach, err)
	}
	v, err := buildVolume(l.Name, slices)
	if err != nil {
		return nil, fmt.Errorf("%s reader: %w", approach, err)
	}
	if err := p.modelAcquisition(ctx, v); err != nil {
		return nil, err
	}
	p.logger.Debug("loaded volume",
		"name", v.Name, "approach", approach,
		"dimensions", v.Dimensions, "scalar_type", v.ScalarType)
	return v, nil
}

func (p *ScalarVolumePlugin) CompareVolumes(a, b *volume.Volume) string {
	return volume.Compare(a, b)
}

// buildVolume stacks decoded slices into a volume on a regular grid defined
// by the first slice and the first inter-slice gap.
func buildVolume(name string, slices []sliceData) (*volume.Volume, error) {
	if len(slices) == 0 {
		return nil, errors.New("no slices")
	}
	first := slices[0]
	geoms := make([]sliceGeometry, len(slices))
	for i, s := range slices {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, fmt.Errorf("slice %d is %dx%d, first slice is %dx%d", i, s.cols, s.rows, first.cols, first.rows)
		}
		geoms[i] = sliceGeometry{path: s.sopInstanceUID, position: s.position, orientation: s.orientation, ok: true}
	}
	sorted, distances, _ := sortSlices(geoms)
	byUID := make(map[string]sliceData, len(slices))
	for _, s := range slices {
		byUID[s.sopInstanceUID] = s
	}
	ordered := slices
	if len(byUID) == len(slices) {
		ordered = make([]sliceData, len(sorted))
		for i, g := range sorted {
			ordered[i] = byUID[g.path]
		}
	}
	first = ordered[0]

	ref := sliceGeometry{orientation: first.orientation}
	sliceSpacing := 1.0
	if len(distances) > 1 {
		sliceSpacing = distances[1] - distances[0]
	}
	v := &volume.Volume{
		Geometry: volume.Geometry{
			Dimensions: [3]int{first.cols, first.rows, len(ordered)},
			Spacing:    [3]float64{first.pixelSpacing[1], first.pixelSpacing[0], sliceSpacing},
			Origin:     volume.LPSToRAS(first.position),
			Directions: [3]volume.Vec3{
				volume.LPSToRAS(ref.rowCosine()),
				volume.LPSToRAS(ref.columnCosine()),
				volume.LPSToRAS(ref.normal()),
			},
		},
		Name: name,
	}
	v.VoxelValueQuantity, v.VoxelValueUnits = VoxelValueCoding(first.modality)

	v.Samples = make([]float64, 0, v.VoxelCount())
	identity := true
	integral := true
	for _, s := range ordered {
		v.InstanceUIDs = append(v.InstanceUIDs, s.sopInstanceUID)
		if s.slope != 1 || s.intercept != 0 {
			identity = false
		}
		if s.slope != math.Trunc(s.slope) || s.intercept != math.Trunc(s.intercept) {
			integral = false
		}
		for _, x := range s.stored {
			v.Samples = append(v.Samples, x*s.slope+s.intercept)
		}
	}

	switch {
	case identity:
		v.ScalarType = nativeType(first.bitsAllocated, first.signed)
	case integral:
		v.ScalarType = volume.Int32
		lo, hi := sampleRange(v.Samples)
		if lo >= math.MinInt16 && hi <= math.MaxInt16 {
			v.ScalarType = volume.Int16
		}
	default:
		v.ScalarType = volume.Float32
		for i, x := range v.Samples {
			v.Samples[i] = float64(float32(x))
		}
	}
	return v, nil
}

func nativeType(bitsAllocated int, signed bool) volume.ScalarType {
	switch {
	case bitsAllocated <= 8 && signed:
		return volume.Int8
	case bitsAllocated <= 8:
		return volume.Uint8
	case bitsAllocated <= 16 && signed:
		return volume.Int16
	case bitsAllocated <= 16:
		return volume.Uint16
	case signed:
		return volume.Int32
	}
	return volume.Uint32
}

func sampleRange(samples []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range samples {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// modelAcquisition compares the acquired slice corners, read from the header
// database, with the corners of the voxel grid. With RegularizeTransform an
// irregular series gets an acquisition transform.
func (p *ScalarVolumePlugin) modelAcquisition(ctx context.Context, v *volume.Volume) error {
	original := make([]volume.Corners, 0, len(v.InstanceUIDs))
	for _, uid := range v.InstanceUIDs {
		c, err := p.instanceCorners(ctx, uid)
		if err != nil {
			p.logger.Warn("acquisition modeling skipped", "instance", uid, "error", err)
			return nil
		}
		original = append(original, c)
	}

	m := &AcquisitionModeling{
		CornerEpsilon:   p.opts.CornerEpsilon,
		OriginalCorners: original,
		TargetCorners:   v.SliceCorners(),
	}
	p.modeling = m

	maxError := m.MaxCornerError()
	if maxError <= m.CornerEpsilon {
		return nil
	}
	p.logger.Info("irregular volume geometry",
		"name", v.Name, "max_error_mm", maxError, "epsilon_mm", m.CornerEpsilon)
	if p.opts.RegularizeGeometry != RegularizeTransform {
		return nil
	}

	t, err := volume.NewAcquisitionTransform(v.Geometry, original)
	if err != nil {
		return fmt.Errorf("acquisition transform: %w", err)
	}
	fixed, err := t.TransformCorners(m.TargetCorners)
	if err != nil {
		return fmt.Errorf("acquisition transform: %w", err)
	}
	v.Transform = t
	m.FixedCorners = fixed
	return nil
}

func (p *ScalarVolumePlugin) instanceCorners(ctx context.Context, uid string) (volume.Corners, error) {
	values := make(map[string][]float64, 5)
	for _, name := range []string{"ImagePositionPatient", "ImageOrientationPatient", "PixelSpacing", "Rows", "Columns"} {
		raw, err := p.db.InstanceValue(ctx, uid, name)
		if err != nil {
			return volume.Corners{}, err
		}
		f, err := dicomdb.SplitFloats(raw)
		if err != nil {
			return volume.Corners{}, fmt.Errorf("%s: %w", name, err)
		}
		values[name] = f
	}
	ipp, iop, ps := values["ImagePositionPatient"], values["ImageOrientationPatient"], values["PixelSpacing"]
	rows, cols := values["Rows"], values["Columns"]
	if len(ipp) != 3 || len(iop) != 6 || len(ps) != 2 || len(rows) != 1 || len(cols) != 1 {
		return volume.Corners{}, errors.New("incomplete geometry in header database")
	}
	var (
		position    volume.Vec3
		orientation [6]float64
	)
	copy(position[:], ipp)
	copy(orientation[:], iop)
	return acquiredCorners(position, orientation, int(rows[0]), int(cols[0]), [2]float64{ps[0], ps[1]}), nil
}
