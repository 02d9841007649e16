// Package sphere provides direction-to-value lookups over a fixed sphere
// tessellation. ODF coefficient vectors are sampled at the tessellation
// vertices; the interpolator turns an arbitrary direction into a weighted sum
// of the three nearest vertex samples using a precomputed cube-map table.
package sphere

import (
	"math"

	"gibbstrack/internal/models"
)

// Interpolator maps directions to barycentric combinations of tessellation
// vertices. It is immutable after construction and safe for concurrent use.
type Interpolator struct {
	// vertices are the unit sample directions of the ODF
	vertices []models.Vector3

	// resolution is the number of cells along each edge of a cube-map face
	resolution int

	// indices holds three vertex indices per cell
	indices []uint32

	// weights holds three barycentric weights per cell, summing to one
	weights []float64
}

// NumDirections returns the number of tessellation vertices, which must equal
// the number of coefficients per ODF.
func (s *Interpolator) NumDirections() int {
	return len(s.vertices)
}

// Directions returns a copy of the tessellation vertices.
func (s *Interpolator) Directions() []models.Vector3 {
	out := make([]models.Vector3, len(s.vertices))
	copy(out, s.vertices)
	return out
}

// Resolution returns the cube-map face resolution of the table.
func (s *Interpolator) Resolution() int {
	return s.resolution
}

// GetValue returns the ODF value in the given direction. The direction is
// normalized internally. The result is never negative; a zero direction or an
// ODF of the wrong length yields 0.
func (s *Interpolator) GetValue(odf []float64, dir models.Vector3) float64 {
	if len(odf) != len(s.vertices) {
		return 0
	}
	n, ok := dir.Normalize()
	if !ok {
		return 0
	}

	cell := 3 * s.cellOf(n)
	v := s.weights[cell]*odf[s.indices[cell]] +
		s.weights[cell+1]*odf[s.indices[cell+1]] +
		s.weights[cell+2]*odf[s.indices[cell+2]]
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// Neighbors returns the vertex indices and weights used for a direction.
func (s *Interpolator) Neighbors(dir models.Vector3) ([3]int, [3]float64) {
	var idx [3]int
	var w [3]float64
	n, ok := dir.Normalize()
	if !ok {
		return idx, w
	}
	cell := 3 * s.cellOf(n)
	for i := 0; i < 3; i++ {
		idx[i] = int(s.indices[cell+i])
		w[i] = s.weights[cell+i]
	}
	return idx, w
}

// cellOf projects a unit vector onto the cube map and returns its cell index.
func (s *Interpolator) cellOf(n models.Vector3) int {
	face, u, v := cubeFace(n)
	return cellIndex(face, toCell(u, s.resolution), toCell(v, s.resolution), s.resolution)
}

// cubeFace returns the dominant-axis face and the in-face coordinates in [-1, 1].
func cubeFace(n models.Vector3) (face int, u, v float64) {
	ax, ay, az := math.Abs(n.X), math.Abs(n.Y), math.Abs(n.Z)
	switch {
	case ax >= ay && ax >= az:
		face = 0
		if n.X < 0 {
			face = 1
		}
		return face, n.Y / ax, n.Z / ax
	case ay >= az:
		face = 2
		if n.Y < 0 {
			face = 3
		}
		return face, n.X / ay, n.Z / ay
	default:
		face = 4
		if n.Z < 0 {
			face = 5
		}
		return face, n.X / az, n.Y / az
	}
}

// faceDirection is the inverse of cubeFace for a cell center.
func faceDirection(face int, u, v float64) models.Vector3 {
	switch face {
	case 0:
		return models.Vec(1, u, v)
	case 1:
		return models.Vec(-1, u, v)
	case 2:
		return models.Vec(u, 1, v)
	case 3:
		return models.Vec(u, -1, v)
	case 4:
		return models.Vec(u, v, 1)
	default:
		return models.Vec(u, v, -1)
	}
}

func toCell(c float64, res int) int {
	i := int((c + 1) / 2 * float64(res))
	if i < 0 {
		return 0
	}
	if i >= res {
		return res - 1
	}
	return i
}

func cellCenter(i, res int) float64 {
	return -1 + (2*float64(i)+1)/float64(res)
}

func cellIndex(face, iu, iv, res int) int {
	return (face*res+iv)*res + iu
}
