// Package fibers turns chains of connected particles into polylines.
package fibers

import (
	"gibbstrack/internal/models"
	"gibbstrack/pkg/particles"
)

// Builder extracts fibers from a particle grid. A Builder only reads the
// grid; callers must not mutate the grid during Build.
type Builder struct {
	grid      *particles.Grid
	minLength float64
}

// NewBuilder creates a builder that drops fibers shorter than minLength mm.
func NewBuilder(grid *particles.Grid, minLength float64) *Builder {
	return &Builder{grid: grid, minLength: minLength}
}

// Build walks every chain of connected particles once. Open chains start at
// their lowest-handle endpoint; closed loops start at their lowest handle and
// repeat the first point at the end. Isolated particles never form a fiber.
// The result only depends on the grid contents, so repeated builds of an
// unchanged grid are identical.
func (b *Builder) Build() []models.Fiber {
	handles := b.grid.Handles()
	visited := make(map[particles.Handle]bool, len(handles))
	var fibers []models.Fiber

	for _, h := range handles {
		p, _ := b.grid.Particle(h)
		if visited[h] || p.Degree() != 1 {
			continue
		}
		start := particles.Minus
		if p.Links[particles.Minus].Free() {
			start = particles.Plus
		}
		points := b.walk(h, start, visited)
		fibers = b.keep(fibers, points)
	}

	// Everything linked and still unvisited sits on a loop
	for _, h := range handles {
		p, _ := b.grid.Particle(h)
		if visited[h] || p.Degree() == 0 {
			continue
		}
		points := b.walk(h, particles.Plus, visited)
		points = append(points, points[0])
		fibers = b.keep(fibers, points)
	}

	return fibers
}

// walk follows links from h leaving through end out, marking every particle
// it passes, and returns their centers in order.
func (b *Builder) walk(h particles.Handle, out particles.End, visited map[particles.Handle]bool) []models.Vector3 {
	var points []models.Vector3
	for {
		p, ok := b.grid.Particle(h)
		if !ok || visited[h] {
			return points
		}
		visited[h] = true
		points = append(points, p.Position)

		next := p.Links[out]
		if next.Free() {
			return points
		}
		h, out = next.Handle, next.End.Other()
	}
}

func (b *Builder) keep(fibers []models.Fiber, points []models.Vector3) []models.Fiber {
	if len(points) < 2 {
		return fibers
	}
	length := models.PolylineLength(points)
	if length < b.minLength {
		return fibers
	}
	return append(fibers, models.Fiber{Points: points, Length: length})
}
