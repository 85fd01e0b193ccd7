package plugin

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mrsinham/dicomconform/internal/volume"
)

// Tolerances used when examining slice geometry, in mm.
const (
	spacingEpsilon     = 0.01
	orientationEpsilon = 1e-4
)

// sliceGeometry is the position and orientation of one file, in LPS.
type sliceGeometry struct {
	path        string
	position    volume.Vec3
	orientation [6]float64
	ok          bool
}

func (g sliceGeometry) rowCosine() volume.Vec3 {
	return volume.Vec3{g.orientation[0], g.orientation[1], g.orientation[2]}
}

func (g sliceGeometry) columnCosine() volume.Vec3 {
	return volume.Vec3{g.orientation[3], g.orientation[4], g.orientation[5]}
}

func (g sliceGeometry) normal() volume.Vec3 {
	return g.rowCosine().Cross(g.columnCosine()).Normalize()
}

// sortSlices orders slices along the normal of the first one and describes
// any geometry defect found. Without complete geometry the input order is kept.
func sortSlices(slices []sliceGeometry) ([]sliceGeometry, []float64, string) {
	if len(slices) == 0 {
		return nil, nil, ""
	}
	for _, s := range slices {
		if !s.ok {
			return slices, nil, "Reference image in series does not contain geometry information. Please use caution."
		}
	}

	var warnings []string
	ref := slices[0]
	for _, s := range slices[1:] {
		if !orientationsMatch(ref.orientation, s.orientation) {
			warnings = append(warnings, "Image orientations in series do not match. Please use caution.")
			break
		}
	}

	normal := ref.normal()
	sorted := append([]sliceGeometry(nil), slices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].position.Dot(normal) < sorted[j].position.Dot(normal)
	})
	distances := make([]float64, len(sorted))
	for i, s := range sorted {
		distances[i] = s.position.Dot(normal)
	}

	if w := spacingWarning(distances); w != "" {
		warnings = append(warnings, w)
	}
	return sorted, distances, strings.Join(warnings, " ")
}

// spacingWarning compares every gap between sorted slices with the first gap.
func spacingWarning(distances []float64) string {
	if len(distances) < 2 {
		return ""
	}
	for i := 1; i < len(distances); i++ {
		if distances[i]-distances[i-1] < spacingEpsilon {
			return "Multiple images in series have the same position. Please use caution."
		}
	}
	if len(distances) < 3 {
		return ""
	}
	spacing0 := distances[1] - distances[0]
	var worst float64
	for i := 2; i < len(distances); i++ {
		spacingN := distances[i] - distances[i-1]
		if d := spacingN - spacing0; math.Abs(d) > math.Abs(worst) {
			worst = d
		}
	}
	if math.Abs(worst) > spacingEpsilon {
		return fmt.Sprintf("Images are not equally spaced (a difference of %g vs %g in spacings was detected).", worst, spacing0)
	}
	return ""
}

func orientationsMatch(a, b [6]float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > orientationEpsilon {
			return false
		}
	}
	return true
}

// acquiredCorners returns the RAS corners of one acquired slice, laid out
// like volume.Geometry.SliceCorners.
func acquiredCorners(position volume.Vec3, orientation [6]float64, rows, cols int, pixelSpacing [2]float64) volume.Corners {
	g := sliceGeometry{position: position, orientation: orientation}
	origin := volume.LPSToRAS(position)
	rowVector := volume.LPSToRAS(g.rowCosine()).Scale(float64(cols) * pixelSpacing[1])
	colVector := volume.LPSToRAS(g.columnCosine()).Scale(float64(rows) * pixelSpacing[0])

	var c volume.Corners
	for a := 0; a < 2; a++ {
		for b := 0; b < 2; b++ {
			c[a][b] = origin.Add(rowVector.Scale(float64(b))).Add(colVector.Scale(float64(a)))
		}
	}
	return c
}
