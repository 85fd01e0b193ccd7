package volume

import (
	"fmt"
	"math"
)

// AcquisitionTransform is a displacement grid that maps the regular voxel
// grid of a volume onto the slice positions that were actually acquired.
// Displacements are known at the four corners of every slice; in between they
// are interpolated bilinearly within a slice and linearly across slices.
type AcquisitionTransform struct {
	grid          Geometry
	displacements []Corners
}

// NewAcquisitionTransform builds the transform that moves the corners of
// every slice of grid onto the matching acquired corners.
func NewAcquisitionTransform(grid Geometry, acquired []Corners) (*AcquisitionTransform, error) {
	target := grid.SliceCorners()
	if len(acquired) != len(target) {
		return nil, fmt.Errorf("have %d acquired slices for a grid of %d slices", len(acquired), len(target))
	}
	if len(target) == 0 {
		return nil, fmt.Errorf("grid has no slices")
	}
	disp := make([]Corners, len(target))
	for k := range target {
		for a := 0; a < 2; a++ {
			for b := 0; b < 2; b++ {
				disp[k][a][b] = acquired[k][a][b].Sub(target[k][a][b])
			}
		}
	}
	return &AcquisitionTransform{grid: grid, displacements: disp}, nil
}

// Displacements returns the per-slice corner displacements.
func (t *AcquisitionTransform) Displacements() []Corners {
	out := make([]Corners, len(t.displacements))
	copy(out, t.displacements)
	return out
}

// MaxDisplacement returns the length of the largest corner displacement.
func (t *AcquisitionTransform) MaxDisplacement() float64 {
	var m float64
	for _, c := range t.displacements {
		for _, p := range c.Points() {
			m = math.Max(m, p.Norm())
		}
	}
	return m
}

// TransformPoint moves a RAS point from the regular grid to acquisition space.
// Points outside the grid use the displacement of the nearest slice edge.
func (t *AcquisitionTransform) TransformPoint(p Vec3) (Vec3, error) {
	ijk, err := t.grid.RASToIJK(p)
	if err != nil {
		return Vec3{}, err
	}
	cols, rows := float64(t.grid.Dimensions[0]), float64(t.grid.Dimensions[1])
	u := clamp01(safeDiv(ijk[0], cols))
	v := clamp01(safeDiv(ijk[1], rows))

	last := len(t.displacements) - 1
	k := math.Max(0, math.Min(float64(last), ijk[2]))
	k0 := int(math.Floor(k))
	k1 := min(k0+1, last)
	w := k - float64(k0)

	d0 := bilinear(t.displacements[k0], u, v)
	d1 := bilinear(t.displacements[k1], u, v)
	return p.Add(Lerp(d0, d1, w)), nil
}

// TransformCorners applies the transform to every corner of every slice.
func (t *AcquisitionTransform) TransformCorners(in []Corners) ([]Corners, error) {
	out := make([]Corners, len(in))
	for k := range in {
		for a := 0; a < 2; a++ {
			for b := 0; b < 2; b++ {
				p, err := t.TransformPoint(in[k][a][b])
				if err != nil {
					return nil, err
				}
				out[k][a][b] = p
			}
		}
	}
	return out, nil
}

func bilinear(c Corners, u, v float64) Vec3 {
	top := Lerp(c[0][0], c[0][1], u)
	bottom := Lerp(c[1][0], c[1][1], u)
	return Lerp(top, bottom, v)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
