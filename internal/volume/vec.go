// Package volume models scalar volumes loaded from DICOM series and the
// geometry helpers used to compare and correct them.
package volume

import "math"

// Vec3 is a point or direction in patient space.
type Vec3 [3]float64

// Add returns a+b.
func (a Vec3) Add(b Vec3) Vec3 {
	return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

// Sub returns a-b.
func (a Vec3) Sub(b Vec3) Vec3 {
	return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

// Scale returns a*s.
func (a Vec3) Scale(s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}

// Dot returns the scalar product of a and b.
func (a Vec3) Dot(b Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// Cross returns the vector product a×b.
func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// Norm returns the euclidean length of a.
func (a Vec3) Norm() float64 {
	return math.Sqrt(a.Dot(a))
}

// Normalize returns a unit vector along a, or a unchanged when its length is zero.
func (a Vec3) Normalize() Vec3 {
	n := a.Norm()
	if n == 0 {
		return a
	}
	return a.Scale(1 / n)
}

// LPSToRAS converts a DICOM patient coordinate (LPS) to the RAS convention
// used by loaded volumes. The conversion is its own inverse.
func LPSToRAS(p Vec3) Vec3 {
	return Vec3{-p[0], -p[1], p[2]}
}

// Lerp interpolates linearly between a and b.
func Lerp(a, b Vec3, t float64) Vec3 {
	return a.Add(b.Sub(a).Scale(t))
}

// AllClose reports whether every component of got is within atol+rtol*|want|
// of the matching component of want.
func AllClose(got, want []Vec3, rtol, atol float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		for c := 0; c < 3; c++ {
			if math.IsNaN(got[i][c]) || math.IsNaN(want[i][c]) {
				return false
			}
			if math.Abs(got[i][c]-want[i][c]) > atol+rtol*math.Abs(want[i][c]) {
				return false
			}
		}
	}
	return true
}

// MaxDistance returns the largest euclidean distance between paired points.
func MaxDistance(a, b []Vec3) float64 {
	var m float64
	for i := range a {
		if i >= len(b) {
			break
		}
		if d := a[i].Sub(b[i]).Norm(); d > m {
			m = d
		}
	}
	return m
}
