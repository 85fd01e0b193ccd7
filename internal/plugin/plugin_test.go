package plugin

import (
	"context"
	"os"
	"slices"
	"testing"

	"github.com/mrsinham/dicomconform/internal/dicomdb"
	"github.com/mrsinham/dicomconform/internal/forge"
	"github.com/mrsinham/dicomconform/internal/forge/modalities"
	"github.com/mrsinham/dicomconform/internal/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func axialOptions(dir string, slices int) forge.SeriesOptions {
	return forge.SeriesOptions{
		OutputDir:         dir,
		Modality:          modalities.MR,
		SeriesNumber:      3,
		SeriesDescription: "AX",
		PatientID:         "P1",
		Rows:              6,
		Columns:           8,
		Slices:            slices,
		PixelSpacing:      [2]float64{0.5, 0.75},
		SliceSpacing:      2,
		Orientation:       [6]float64{1, 0, 0, 0, 1, 0},
		LastPosition:      volume.Vec3{0, 0, float64(2 * (slices - 1))},
		Workers:           2,
	}
}

// indexSeries writes a series, drops the listed slices and indexes the rest.
func indexSeries(t *testing.T, opts forge.SeriesOptions, drop ...int) (*dicomdb.Database, *forge.GeneratedSeries) {
	t.Helper()
	ctx := context.Background()
	series, err := forge.GenerateSeries(ctx, opts)
	require.NoError(t, err)
	for _, i := range drop {
		require.NoError(t, os.Remove(series.Files[i].Path))
	}

	db, err := dicomdb.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = dicomdb.NewIndexer(nil).AddDirectory(ctx, db, opts.OutputDir)
	require.NoError(t, err)
	return db, series
}

func TestExamineSortsAlongNormal(t *testing.T) {
	ctx := context.Background()
	db, series := indexSeries(t, axialOptions(t.TempDir(), 5))

	var want, reversed []string
	for _, f := range series.Files {
		want = append(want, f.Path)
	}
	reversed = slices.Clone(want)
	slices.Reverse(reversed)

	p := NewScalarVolumePlugin(db, ScalarOptions{})
	loadables, err := p.Examine(ctx, [][]string{reversed})
	require.NoError(t, err)
	require.Len(t, loadables, 1)

	l := loadables[0]
	assert.Equal(t, "3: AX", l.Name)
	assert.Equal(t, want, l.Files)
	assert.Empty(t, l.Warning)
	assert.True(t, l.Selected)
	assert.Equal(t, ScalarVolumeName, l.Plugin)
}

func TestLoadApproachesAgree(t *testing.T) {
	ctx := context.Background()
	db, series := indexSeries(t, axialOptions(t.TempDir(), 4))

	l, err := SelectLoadable(ctx, db, DefaultRegistry(ScalarOptions{}), series.SeriesUID)
	require.NoError(t, err)
	assert.Equal(t, series.SeriesUID, l.SeriesUID)

	p := NewScalarVolumePlugin(db, ScalarOptions{})
	reference, err := p.Load(ctx, l, "")
	require.NoError(t, err)

	assert.Equal(t, [3]int{8, 6, 4}, reference.Dimensions)
	assert.InDeltaSlice(t, []float64{0.75, 0.5, 2}, reference.Spacing[:], 1e-9)
	assert.Equal(t, volume.Vec3{}, reference.Origin)
	assert.Equal(t, volume.Vec3{-1, 0, 0}, reference.Directions[0])
	assert.Equal(t, volume.Vec3{0, -1, 0}, reference.Directions[1])
	assert.Equal(t, volume.Vec3{0, 0, 1}, reference.Directions[2])
	assert.Equal(t, volume.Uint16, reference.ScalarType)
	assert.Equal(t, MRSignalIntensity, reference.VoxelValueQuantity)
	assert.Equal(t, NoUnits, reference.VoxelValueUnits)
	assert.Len(t, reference.Samples, reference.VoxelCount())
	for i, f := range series.Files {
		assert.Equal(t, f.SOPInstanceUID, reference.InstanceUIDs[i])
	}
	require.NotNil(t, p.AcquisitionModeling())
	assert.Less(t, p.AcquisitionModeling().MaxCornerError(), DefaultCornerEpsilon)
	assert.Nil(t, reference.Transform)

	for _, approach := range p.ReaderApproaches()[1:] {
		t.Run(approach, func(t *testing.T) {
			v, err := p.Load(ctx, l, approach)
			require.NoError(t, err)
			assert.Empty(t, p.CompareVolumes(reference, v))
		})
	}
}

func TestLoadUnknownApproach(t *testing.T) {
	db, series := indexSeries(t, axialOptions(t.TempDir(), 2))
	p := NewScalarVolumePlugin(db, ScalarOptions{})
	_, err := p.Load(context.Background(), &Loadable{Files: []string{series.Files[0].Path}}, "GDCM")
	assert.ErrorContains(t, err, `unknown reader approach "GDCM"`)
}

func TestArchetypeRejectsImplicitVR(t *testing.T) {
	ctx := context.Background()
	profile, err := forge.LookupProfile("mouse-mr")
	require.NoError(t, err)
	db, _ := indexSeries(t, profile.Options(t.TempDir(), 8))

	l, err := SelectLoadable(ctx, db, DefaultRegistry(ScalarOptions{}), forge.MouseMRSeriesUID)
	require.NoError(t, err)
	assert.Equal(t, "1: T2 RARE", l.Name)

	p := NewScalarVolumePlugin(db, ScalarOptions{})
	v, err := p.Load(ctx, l, ApproachDataset)
	require.NoError(t, err)
	assert.Equal(t, 20, v.Dimensions[2])

	_, err = p.Load(ctx, l, ApproachArchetype)
	assert.ErrorContains(t, err, "explicit VR little endian")
}

func TestLoadCTRescale(t *testing.T) {
	ctx := context.Background()
	profile, err := forge.LookupProfile("ct-chest")
	require.NoError(t, err)
	db, _ := indexSeries(t, profile.Options(t.TempDir(), 8))

	l, err := SelectLoadable(ctx, db, DefaultRegistry(ScalarOptions{}), forge.CTChestSeriesUID)
	require.NoError(t, err)
	p := NewScalarVolumePlugin(db, ScalarOptions{})
	v, err := p.Load(ctx, l, ApproachStreaming)
	require.NoError(t, err)

	assert.Equal(t, volume.Int16, v.ScalarType)
	assert.Equal(t, AttenuationCoefficient, v.VoxelValueQuantity)
	assert.Equal(t, HounsfieldUnit, v.VoxelValueUnits)
	lo, hi := sampleRange(v.Samples)
	assert.GreaterOrEqual(t, lo, -1024.0)
	assert.LessOrEqual(t, hi, 4095.0-1024)
}

func TestMissingSlicesAreRegularized(t *testing.T) {
	ctx := context.Background()
	opts := axialOptions(t.TempDir(), 10)
	db, series := indexSeries(t, opts, 4, 5, 6)

	l, err := SelectLoadable(ctx, db, DefaultRegistry(ScalarOptions{}), series.SeriesUID)
	require.NoError(t, err)
	assert.Len(t, l.Files, 7)
	assert.Contains(t, l.Warning, "Images are not equally spaced (a difference of 6 vs 2 in spacings was detected).")

	plain := NewScalarVolumePlugin(db, ScalarOptions{})
	v, err := plain.Load(ctx, l, "")
	require.NoError(t, err)
	assert.Nil(t, v.Transform)
	assert.Nil(t, plain.AcquisitionModeling().FixedCorners)

	p := NewScalarVolumePlugin(db, ScalarOptions{RegularizeGeometry: RegularizeTransform})
	v, err = p.Load(ctx, l, "")
	require.NoError(t, err)
	assert.Equal(t, 7, v.Dimensions[2])
	require.NotNil(t, v.Transform)
	assert.InDelta(t, 6.0, v.Transform.MaxDisplacement(), 1e-6)

	m := p.AcquisitionModeling()
	require.NotNil(t, m)
	assert.Greater(t, m.MaxCornerError(), m.CornerEpsilon)
	require.Len(t, m.FixedCorners, 7)
	assert.True(t, volume.AllClose(volume.FlattenCorners(m.FixedCorners), volume.FlattenCorners(m.OriginalCorners), 1e-5, 1e-8))

	// The last acquired slice keeps its true position.
	last := volume.LPSToRAS(series.Files[9].Position)
	assert.InDeltaSlice(t, last[:], m.OriginalCorners[6][0][0][:], 1e-6)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(ScalarOptions{})
	assert.Equal(t, []string{ScalarVolumeName}, r.Names())
	assert.Error(t, r.Register(ScalarVolumeName, ScalarVolumeFactory(ScalarOptions{})))

	_, err := r.New("DICOMSegmentationPlugin", nil)
	assert.ErrorContains(t, err, "not registered")
}

func TestSelectLoadableUnknownSeries(t *testing.T) {
	db, _ := indexSeries(t, axialOptions(t.TempDir(), 2))
	_, err := SelectLoadable(context.Background(), db, DefaultRegistry(ScalarOptions{}), "1.2.3.4")

	var resolution *ResolutionError
	require.ErrorAs(t, err, &resolution)
	assert.Equal(t, "1.2.3.4", resolution.SeriesUID)
}

func TestVoxelValueCoding(t *testing.T) {
	q, u := VoxelValueCoding("ct")
	assert.Equal(t, AttenuationCoefficient, q)
	assert.Equal(t, HounsfieldUnit, u)
	q, u = VoxelValueCoding("US")
	assert.True(t, q.IsZero())
	assert.True(t, u.IsZero())
}
