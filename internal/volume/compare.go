package volume

import (
	"fmt"
	"math"
	"strings"
)

// GeometryEpsilon is the tolerance used when comparing spacing, origin and
// direction cosines of two volumes.
const GeometryEpsilon = 1e-6

// Compare describes every difference between a and b, one per line. An
// empty result means the volumes are equivalent. Compare(a, b) is empty
// exactly when Compare(b, a) is.
func Compare(a, b *Volume) string {
	if a == nil || b == nil {
		return "Missing volume\n"
	}
	var sb strings.Builder

	if a.Dimensions != b.Dimensions {
		fmt.Fprintf(&sb, "Dimensions mismatch: %v vs %v\n", a.Dimensions, b.Dimensions)
	}
	if !closeArray(a.Spacing[:], b.Spacing[:]) {
		fmt.Fprintf(&sb, "Spacing mismatch: %s vs %s\n", formatFloats(a.Spacing[:]), formatFloats(b.Spacing[:]))
	}
	if !closeArray(a.Origin[:], b.Origin[:]) {
		fmt.Fprintf(&sb, "Origin mismatch: %s vs %s\n", formatFloats(a.Origin[:]), formatFloats(b.Origin[:]))
	}
	for axis := 0; axis < 3; axis++ {
		if !closeArray(a.Directions[axis][:], b.Directions[axis][:]) {
			fmt.Fprintf(&sb, "Direction %d mismatch: %s vs %s\n", axis,
				formatFloats(a.Directions[axis][:]), formatFloats(b.Directions[axis][:]))
		}
	}
	if a.ScalarType != b.ScalarType {
		fmt.Fprintf(&sb, "First volume is %s, but second is %s\n", a.ScalarType, b.ScalarType)
	}
	if !samplesEqual(a.Samples, b.Samples) {
		sb.WriteString("Pixel data mismatch\n")
	}
	if a.VoxelValueQuantity != b.VoxelValueQuantity {
		fmt.Fprintf(&sb, "Voxel value quantity mismatch: %s vs %s\n",
			a.VoxelValueQuantity.PrintableString(), b.VoxelValueQuantity.PrintableString())
	}
	if a.VoxelValueUnits != b.VoxelValueUnits {
		fmt.Fprintf(&sb, "Voxel value units mismatch: %s vs %s\n",
			a.VoxelValueUnits.PrintableString(), b.VoxelValueUnits.PrintableString())
	}
	return sb.String()
}

func closeArray(a, b []float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > GeometryEpsilon {
			return false
		}
	}
	return true
}

func samplesEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formatFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%.6g", f)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
