package volume

import (
	"errors"
	"fmt"
	"math"
)

// ScalarType names the voxel storage type of a loaded volume.
type ScalarType string

const (
	Uint8   ScalarType = "uint8"
	Int8    ScalarType = "int8"
	Uint16  ScalarType = "uint16"
	Int16   ScalarType = "int16"
	Uint32  ScalarType = "uint32"
	Int32   ScalarType = "int32"
	Float32 ScalarType = "float32"
	Float64 ScalarType = "float64"
)

// CodedEntry is a DICOM coded concept (code value, coding scheme designator, code meaning).
type CodedEntry struct {
	Value   string `json:"value" yaml:"value"`
	Scheme  string `json:"scheme" yaml:"scheme"`
	Meaning string `json:"meaning" yaml:"meaning"`
}

// IsZero reports whether no field of the entry is set.
func (c CodedEntry) IsZero() bool {
	return c.Value == "" && c.Scheme == "" && c.Meaning == ""
}

// PrintableString renders the entry as (value, scheme, "meaning").
func (c CodedEntry) PrintableString() string {
	return fmt.Sprintf("(%s, %s, %q)", c.Value, c.Scheme, c.Meaning)
}

// Corners holds the four in-plane corners of one slice, indexed [row][column]:
// [0][0] is the slice origin, [0][1] lies one field of view along the rows,
// [1][0] one field of view along the columns.
type Corners [2][2]Vec3

// Points flattens the corners in row-major order.
func (c Corners) Points() []Vec3 {
	return []Vec3{c[0][0], c[0][1], c[1][0], c[1][1]}
}

// FlattenCorners returns the corners of every slice as one point list.
func FlattenCorners(corners []Corners) []Vec3 {
	out := make([]Vec3, 0, 4*len(corners))
	for _, c := range corners {
		out = append(out, c.Points()...)
	}
	return out
}

// Geometry is a regular voxel grid placed in RAS space.
type Geometry struct {
	// Dimensions are columns (i), rows (j) and slices (k).
	Dimensions [3]int
	Spacing    [3]float64
	Origin     Vec3
	// Directions are the unit vectors of the i, j and k axes.
	Directions [3]Vec3
}

// Volume is a scalar image loaded from one DICOM series.
type Volume struct {
	Geometry

	Name       string
	ScalarType ScalarType
	// Samples are stored slice by slice, row by row.
	Samples []float64

	VoxelValueQuantity CodedEntry
	VoxelValueUnits    CodedEntry

	// InstanceUIDs lists the SOPInstanceUID of every slice in k order.
	InstanceUIDs []string

	// Transform is set when the acquisition geometry had to be regularized.
	Transform *AcquisitionTransform
}

// VoxelCount returns the number of samples the dimensions describe.
func (g Geometry) VoxelCount() int {
	return g.Dimensions[0] * g.Dimensions[1] * g.Dimensions[2]
}

// IJKToRAS maps a continuous voxel index to a RAS point.
func (g Geometry) IJKToRAS(i, j, k float64) Vec3 {
	p := g.Origin
	p = p.Add(g.Directions[0].Scale(i * g.Spacing[0]))
	p = p.Add(g.Directions[1].Scale(j * g.Spacing[1]))
	p = p.Add(g.Directions[2].Scale(k * g.Spacing[2]))
	return p
}

// RASToIJK maps a RAS point back to a continuous voxel index.
func (g Geometry) RASToIJK(p Vec3) (Vec3, error) {
	var m [3][3]float64
	for axis := 0; axis < 3; axis++ {
		col := g.Directions[axis].Scale(g.Spacing[axis])
		for r := 0; r < 3; r++ {
			m[r][axis] = col[r]
		}
	}
	inv, ok := invert3(m)
	if !ok {
		return Vec3{}, errors.New("singular IJK to RAS matrix")
	}
	d := p.Sub(g.Origin)
	var out Vec3
	for r := 0; r < 3; r++ {
		out[r] = inv[r][0]*d[0] + inv[r][1]*d[1] + inv[r][2]*d[2]
	}
	return out, nil
}

// SliceCorners returns the corners of every slice of the voxel grid: the
// target geometry a loaded series is resampled onto.
func (g Geometry) SliceCorners() []Corners {
	cols, rows := float64(g.Dimensions[0]), float64(g.Dimensions[1])
	out := make([]Corners, g.Dimensions[2])
	for k := range out {
		for a := 0; a < 2; a++ {
			for b := 0; b < 2; b++ {
				out[k][a][b] = g.IJKToRAS(float64(b)*cols, float64(a)*rows, float64(k))
			}
		}
	}
	return out
}

// Bounds returns the RAS bounding box of the voxel centers extended by half a
// voxel, as xmin, xmax, ymin, ymax, zmin, zmax.
func (g Geometry) Bounds() [6]float64 {
	b := [6]float64{math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1), math.Inf(1), math.Inf(-1)}
	for _, i := range []float64{-0.5, float64(g.Dimensions[0]) - 0.5} {
		for _, j := range []float64{-0.5, float64(g.Dimensions[1]) - 0.5} {
			for _, k := range []float64{-0.5, float64(g.Dimensions[2]) - 0.5} {
				p := g.IJKToRAS(i, j, k)
				for c := 0; c < 3; c++ {
					b[2*c] = math.Min(b[2*c], p[c])
					b[2*c+1] = math.Max(b[2*c+1], p[c])
				}
			}
		}
	}
	return b
}

func invert3(m [3][3]float64) ([3][3]float64, bool) {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if math.Abs(det) < 1e-12 {
		return [3][3]float64{}, false
	}
	var inv [3][3]float64
	inv[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) / det
	inv[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) / det
	inv[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) / det
	inv[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) / det
	inv[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) / det
	inv[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) / det
	inv[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) / det
	inv[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) / det
	inv[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) / det
	return inv, true
}
