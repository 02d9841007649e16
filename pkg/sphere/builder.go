package sphere

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
)

// vertexPoint is a unit direction in the vertex search tree, tagged with
// the ODF coefficient it belongs to.
type vertexPoint struct {
	dir   r3.Vec
	index int
}

func axis(v r3.Vec, d kdtree.Dim) float64 {
	switch d {
	case 0:
		return v.X
	case 1:
		return v.Y
	case 2:
		return v.Z
	}
	panic(fmt.Sprintf("sphere: no axis %d", d))
}

func (p vertexPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return axis(p.dir, d) - axis(c.(vertexPoint).dir, d)
}

func (p vertexPoint) Dims() int { return 3 }

// Distance is the squared chord length, which orders directions like the
// angle between them.
func (p vertexPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.dir, c.(vertexPoint).dir))
}

type vertexPoints []vertexPoint

func (p vertexPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p vertexPoints) Len() int                              { return len(p) }
func (p vertexPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p vertexPoints) Pivot(d kdtree.Dim) int {
	plane := vertexPlane{vertexPoints: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

// vertexPlane orders vertices along one axis for partitioning.
type vertexPlane struct {
	vertexPoints
	kdtree.Dim
}

func (p vertexPlane) Less(i, j int) bool {
	return axis(p.vertexPoints[i].dir, p.Dim) < axis(p.vertexPoints[j].dir, p.Dim)
}

func (p vertexPlane) Slice(start, end int) kdtree.SortSlicer {
	return vertexPlane{vertexPoints: p.vertexPoints[start:end], Dim: p.Dim}
}

func (p vertexPlane) Swap(i, j int) {
	p.vertexPoints[i], p.vertexPoints[j] = p.vertexPoints[j], p.vertexPoints[i]
}

// Build precomputes the lookup table for a tessellation. Each cube-map cell
// stores the three vertices nearest to its center direction and the
// barycentric weights of that direction with respect to their triangle.
// The six faces are computed in parallel.
func Build(vertices []models.Vector3, resolution int) (*Interpolator, error) {
	if len(vertices) < 3 {
		return nil, fmt.Errorf("tessellation needs at least 3 vertices, got %d", len(vertices))
	}
	if resolution <= 0 {
		return nil, fmt.Errorf("invalid lookup resolution %d", resolution)
	}

	s := &Interpolator{
		vertices:   make([]models.Vector3, len(vertices)),
		resolution: resolution,
		indices:    make([]uint32, 3*6*resolution*resolution),
		weights:    make([]float64, 3*6*resolution*resolution),
	}

	points := make(vertexPoints, len(vertices))
	for i, v := range vertices {
		n, ok := v.Normalize()
		if !ok {
			return nil, fmt.Errorf("tessellation vertex %d has zero length", i)
		}
		s.vertices[i] = n
		points[i] = vertexPoint{dir: n.R3(), index: i}
	}
	tree := kdtree.New(points, false)

	// Faces write disjoint cell ranges, so no locking is needed
	var wg sync.WaitGroup
	for face := 0; face < 6; face++ {
		wg.Add(1)
		go func(face int) {
			defer wg.Done()
			for iv := 0; iv < resolution; iv++ {
				for iu := 0; iu < resolution; iu++ {
					dir, _ := faceDirection(face, cellCenter(iu, resolution), cellCenter(iv, resolution)).Normalize()
					idx, w := s.barycentric(tree, dir)
					cell := 3 * cellIndex(face, iu, iv, resolution)
					for k := 0; k < 3; k++ {
						s.indices[cell+k] = uint32(idx[k])
						s.weights[cell+k] = w[k]
					}
				}
			}
		}(face)
	}
	wg.Wait()

	return s, nil
}

// barycentric finds the three nearest vertices of dir and solves
// [v1 v2 v3] a = dir for the projection weights. Negative weights (dir
// outside the triangle) are clamped and the rest renormalized.
func (s *Interpolator) barycentric(tree *kdtree.Tree, dir models.Vector3) ([3]int, [3]float64) {
	keeper := kdtree.NewNKeeper(3)
	tree.NearestSet(keeper, vertexPoint{dir: dir.R3(), index: -1})

	var idx [3]int
	var dist [3]float64
	n := 0
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil || n == 3 {
			continue
		}
		idx[n] = item.Comparable.(vertexPoint).index
		dist[n] = item.Dist
		n++
	}

	// The keeper heap is not sorted; put the nearest vertex first
	for i := 1; i < n; i++ {
		if dist[i] < dist[0] {
			idx[0], idx[i] = idx[i], idx[0]
			dist[0], dist[i] = dist[i], dist[0]
		}
	}

	nearestOnly := [3]float64{1, 0, 0}
	if n < 3 {
		return idx, nearestOnly
	}

	a := mat.NewDense(3, 3, nil)
	for col := 0; col < 3; col++ {
		v := s.vertices[idx[col]]
		a.Set(0, col, v.X)
		a.Set(1, col, v.Y)
		a.Set(2, col, v.Z)
	}
	b := mat.NewVecDense(3, []float64{dir.X, dir.Y, dir.Z})

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return idx, nearestOnly
	}

	var w [3]float64
	sum := 0.0
	for k := 0; k < 3; k++ {
		w[k] = x.AtVec(k)
		if w[k] < 0 {
			w[k] = 0
		}
		sum += w[k]
	}
	if sum <= 0 {
		return idx, nearestOnly
	}
	for k := range w {
		w[k] /= sum
	}
	return idx, w
}
