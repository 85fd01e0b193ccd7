package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testVolume() *Volume {
	return &Volume{
		Geometry: Geometry{
			Dimensions: [3]int{2, 2, 1},
			Spacing:    [3]float64{1, 1, 1},
			Directions: [3]Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		},
		Name:               "a",
		ScalarType:         Int16,
		Samples:            []float64{1, 2, 3, 4},
		VoxelValueQuantity: CodedEntry{"110852", "DCM", "MR signal intensity"},
		VoxelValueUnits:    CodedEntry{"1", "UCUM", "no units"},
	}
}

func TestCompareEquivalent(t *testing.T) {
	a, b := testVolume(), testVolume()
	b.Name = "b"
	b.Origin[0] += GeometryEpsilon / 10
	assert.Empty(t, Compare(a, b))
	assert.Empty(t, Compare(b, a))
}

func TestCompareDifferences(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v *Volume)
		want   string
	}{
		{"pixels", func(v *Volume) { v.Samples[3] = 5 }, "Pixel data mismatch"},
		{"scalar type", func(v *Volume) { v.ScalarType = Float32 }, "First volume is int16, but second is float32"},
		{"spacing", func(v *Volume) { v.Spacing[2] = 1.5 }, "Spacing mismatch"},
		{"origin", func(v *Volume) { v.Origin[1] = 1 }, "Origin mismatch"},
		{"direction", func(v *Volume) { v.Directions[0] = Vec3{0, 1, 0} }, "Direction 0 mismatch"},
		{"dimensions", func(v *Volume) { v.Dimensions[2] = 2 }, "Dimensions mismatch"},
		{"units", func(v *Volume) { v.VoxelValueUnits = CodedEntry{} }, "Voxel value units mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := testVolume(), testVolume()
			tt.mutate(b)
			got := Compare(a, b)
			assert.Contains(t, got, tt.want)
			assert.NotEmpty(t, Compare(b, a))
		})
	}
}

func TestCompareDeterministic(t *testing.T) {
	a, b := testVolume(), testVolume()
	b.Samples[0] = 9
	b.Spacing[0] = 2
	assert.Equal(t, Compare(a, b), Compare(a, b))
}

func TestCompareMissing(t *testing.T) {
	assert.Equal(t, "Missing volume\n", Compare(nil, testVolume()))
}
