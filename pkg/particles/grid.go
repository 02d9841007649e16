package particles

import (
	"errors"
	"fmt"
	"math"

	"gibbstrack/internal/models"
)

var (
	// ErrInvalidHandle is returned when a handle does not name a live particle
	ErrInvalidHandle = errors.New("invalid particle handle")

	// ErrEndOccupied is returned when connecting an end that already has a link
	ErrEndOccupied = errors.New("particle end already connected")

	// ErrNotConnected is returned when disconnecting ends that are not linked
	ErrNotConnected = errors.New("particle ends are not connected")
)

// IntSource draws uniform integers in [0, n). *rand.Rand satisfies it.
type IntSource interface {
	IntN(n int) int
}

// slot is one arena entry.
type slot struct {
	particle Particle
	alive    bool
	cell     int // bucket index
	cellPos  int // position inside the bucket
	livePos  int // position inside Grid.live
}

// Grid is a uniform bucket grid over the tracking domain. Each bucket has an
// edge length of one particle length, so every particle within one length of
// a point lies in the 27 buckets around it.
//
// Grid is not safe for concurrent mutation; the sampler owns it.
type Grid struct {
	length float64
	extent models.Vector3
	dims   [3]int
	cells  [][]Handle

	slots []slot
	free  []Handle
	live  []Handle

	numConnections int
}

// NewGrid creates an empty grid covering [0, extent) with buckets of the
// given particle length.
func NewGrid(extent models.Vector3, length float64) *Grid {
	if length <= 0 {
		length = 1
	}
	dims := [3]int{
		max(1, int(math.Ceil(extent.X/length))),
		max(1, int(math.Ceil(extent.Y/length))),
		max(1, int(math.Ceil(extent.Z/length))),
	}
	return &Grid{
		length: length,
		extent: extent,
		dims:   dims,
		cells:  make([][]Handle, dims[0]*dims[1]*dims[2]),
	}
}

// Length returns the particle length, which is also the bucket size.
func (g *Grid) Length() float64 { return g.length }

// Extent returns the physical size of the domain.
func (g *Grid) Extent() models.Vector3 { return g.extent }

// Dims returns the number of buckets along each axis.
func (g *Grid) Dims() [3]int { return g.dims }

// ParticleCount returns the number of live particles.
func (g *Grid) ParticleCount() int { return len(g.live) }

// ConnectionCount returns the number of connections (link pairs).
func (g *Grid) ConnectionCount() int { return g.numConnections }

// Contains reports whether a position lies inside the domain.
func (g *Grid) Contains(pos models.Vector3) bool {
	return pos.X >= 0 && pos.Y >= 0 && pos.Z >= 0 &&
		pos.X < g.extent.X && pos.Y < g.extent.Y && pos.Z < g.extent.Z
}

// cellCoords returns the bucket coordinates of a position without clamping.
func (g *Grid) cellCoords(pos models.Vector3) (int, int, int) {
	return int(math.Floor(pos.X / g.length)),
		int(math.Floor(pos.Y / g.length)),
		int(math.Floor(pos.Z / g.length))
}

func (g *Grid) cellIndex(cx, cy, cz int) int {
	return cx + g.dims[0]*(cy+g.dims[1]*cz)
}

// cellOf returns the bucket of a position, or -1 outside the domain.
func (g *Grid) cellOf(pos models.Vector3) int {
	if !g.Contains(pos) {
		return -1
	}
	cx, cy, cz := g.cellCoords(pos)
	cx = min(cx, g.dims[0]-1)
	cy = min(cy, g.dims[1]-1)
	cz = min(cz, g.dims[2]-1)
	return g.cellIndex(cx, cy, cz)
}

// Valid reports whether h names a live particle.
func (g *Grid) Valid(h Handle) bool {
	return h >= 0 && int(h) < len(g.slots) && g.slots[h].alive
}

// Particle returns a copy of a live particle.
func (g *Grid) Particle(h Handle) (Particle, bool) {
	if !g.Valid(h) {
		return Particle{}, false
	}
	return g.slots[h].particle, true
}

// CellOf returns the bucket index holding particle h, or -1.
func (g *Grid) CellOf(h Handle) int {
	if !g.Valid(h) {
		return -1
	}
	return g.slots[h].cell
}

// Insert adds an unconnected copy of p and returns its handle. Positions
// outside the domain yield InvalidHandle and leave the grid untouched.
func (g *Grid) Insert(p Particle) Handle {
	cell := g.cellOf(p.Position)
	if cell < 0 {
		return InvalidHandle
	}
	p.Links = [2]Link{freeLink, freeLink}

	var h Handle
	if n := len(g.free); n > 0 {
		h = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		h = Handle(len(g.slots))
		g.slots = append(g.slots, slot{})
	}

	g.slots[h] = slot{
		particle: p,
		alive:    true,
		cell:     cell,
		cellPos:  len(g.cells[cell]),
		livePos:  len(g.live),
	}
	g.cells[cell] = append(g.cells[cell], h)
	g.live = append(g.live, h)
	return h
}

// Remove disconnects and deletes particle h. It reports false for an invalid
// handle.
func (g *Grid) Remove(h Handle) bool {
	if !g.Valid(h) {
		return false
	}
	g.disconnectEnd(h, Minus)
	g.disconnectEnd(h, Plus)

	s := &g.slots[h]
	g.detachFromCell(h)

	// Swap-remove from the live list
	last := g.live[len(g.live)-1]
	g.live[s.livePos] = last
	g.slots[last].livePos = s.livePos
	g.live = g.live[:len(g.live)-1]

	s.alive = false
	s.particle = Particle{}
	g.free = append(g.free, h)
	return true
}

// Move changes the position and direction of particle h, re-bucketing it if
// needed. Links are kept. Positions outside the domain are refused.
func (g *Grid) Move(h Handle, pos, dir models.Vector3) bool {
	if !g.Valid(h) {
		return false
	}
	cell := g.cellOf(pos)
	if cell < 0 {
		return false
	}

	s := &g.slots[h]
	if cell != s.cell {
		g.detachFromCell(h)
		s.cell = cell
		s.cellPos = len(g.cells[cell])
		g.cells[cell] = append(g.cells[cell], h)
	}
	s.particle.Position = pos
	s.particle.Direction = dir
	return true
}

func (g *Grid) detachFromCell(h Handle) {
	s := &g.slots[h]
	bucket := g.cells[s.cell]
	last := bucket[len(bucket)-1]
	bucket[s.cellPos] = last
	g.slots[last].cellPos = s.cellPos
	g.cells[s.cell] = bucket[:len(bucket)-1]
}

// Connect links end ea of particle a with end eb of particle b.
func (g *Grid) Connect(a Handle, ea End, b Handle, eb End, energy float64) error {
	if !g.Valid(a) || !g.Valid(b) {
		return ErrInvalidHandle
	}
	if a == b {
		return fmt.Errorf("cannot connect particle %d to itself", a)
	}
	if !g.slots[a].particle.Links[ea].Free() || !g.slots[b].particle.Links[eb].Free() {
		return ErrEndOccupied
	}
	g.slots[a].particle.Links[ea] = Link{Handle: b, End: eb, Energy: energy}
	g.slots[b].particle.Links[eb] = Link{Handle: a, End: ea, Energy: energy}
	g.numConnections++
	return nil
}

// Disconnect removes the connection between (a, ea) and (b, eb).
func (g *Grid) Disconnect(a Handle, ea End, b Handle, eb End) error {
	if !g.Valid(a) || !g.Valid(b) {
		return ErrInvalidHandle
	}
	l := g.slots[a].particle.Links[ea]
	if l.Handle != b || l.End != eb {
		return ErrNotConnected
	}
	g.disconnectEnd(a, ea)
	return nil
}

// disconnectEnd clears the link at (h, e) and its mirror, if any.
func (g *Grid) disconnectEnd(h Handle, e End) {
	l := g.slots[h].particle.Links[e]
	if l.Free() {
		return
	}
	g.slots[l.Handle].particle.Links[l.End] = freeLink
	g.slots[h].particle.Links[e] = freeLink
	g.numConnections--
}

// SetLinkEnergy updates the cached energy on both sides of the link at (h, e).
func (g *Grid) SetLinkEnergy(h Handle, e End, energy float64) error {
	if !g.Valid(h) {
		return ErrInvalidHandle
	}
	l := g.slots[h].particle.Links[e]
	if l.Free() {
		return ErrNotConnected
	}
	g.slots[h].particle.Links[e].Energy = energy
	g.slots[l.Handle].particle.Links[l.End].Energy = energy
	return nil
}

// QueryNeighbors returns the particles whose centers lie within radius of pos.
func (g *Grid) QueryNeighbors(pos models.Vector3, radius float64) []Handle {
	return g.AppendNeighbors(nil, pos, radius)
}

// AppendNeighbors is QueryNeighbors appending into dst, so hot paths can reuse
// a buffer.
func (g *Grid) AppendNeighbors(dst []Handle, pos models.Vector3, radius float64) []Handle {
	r2 := radius * radius
	for _, cell := range g.neighborCells(pos, radius) {
		for _, h := range g.cells[cell] {
			if g.slots[h].particle.Position.SquaredDistance(pos) <= r2 {
				dst = append(dst, h)
			}
		}
	}
	return dst
}

// NeighborCells returns the bucket indices examined by a neighbour query.
// For radius up to one particle length this is the 3x3x3 block around pos,
// clipped at the domain border.
func (g *Grid) NeighborCells(pos models.Vector3, radius float64) []int {
	return g.neighborCells(pos, radius)
}

func (g *Grid) neighborCells(pos models.Vector3, radius float64) []int {
	reach := max(1, int(math.Ceil(radius/g.length)))
	cx, cy, cz := g.cellCoords(pos)

	x0, x1 := max(0, cx-reach), min(g.dims[0]-1, cx+reach)
	y0, y1 := max(0, cy-reach), min(g.dims[1]-1, cy+reach)
	z0, z1 := max(0, cz-reach), min(g.dims[2]-1, cz+reach)
	if x0 > x1 || y0 > y1 || z0 > z1 {
		return nil
	}

	cells := make([]int, 0, (x1-x0+1)*(y1-y0+1)*(z1-z0+1))
	for z := z0; z <= z1; z++ {
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				cells = append(cells, g.cellIndex(x, y, z))
			}
		}
	}
	return cells
}

// RandomHandle picks a live particle uniformly, or InvalidHandle when empty.
func (g *Grid) RandomHandle(r IntSource) Handle {
	if len(g.live) == 0 {
		return InvalidHandle
	}
	return g.live[r.IntN(len(g.live))]
}

// Handles returns the live handles in ascending order. The order only depends
// on the handles themselves, so repeated calls on an unchanged grid agree.
func (g *Grid) Handles() []Handle {
	out := make([]Handle, 0, len(g.live))
	for i := range g.slots {
		if g.slots[i].alive {
			out = append(out, Handle(i))
		}
	}
	return out
}

// Validate checks bucket membership, link symmetry and the counters.
func (g *Grid) Validate() error {
	particles := 0
	links := 0
	for i := range g.slots {
		s := &g.slots[i]
		if !s.alive {
			continue
		}
		h := Handle(i)
		particles++

		if want := g.cellOf(s.particle.Position); want != s.cell {
			return fmt.Errorf("particle %d stored in bucket %d, position maps to %d", h, s.cell, want)
		}
		if s.cellPos >= len(g.cells[s.cell]) || g.cells[s.cell][s.cellPos] != h {
			return fmt.Errorf("particle %d missing from bucket %d", h, s.cell)
		}
		if s.livePos >= len(g.live) || g.live[s.livePos] != h {
			return fmt.Errorf("particle %d missing from live list", h)
		}

		for e, l := range s.particle.Links {
			if l.Free() {
				continue
			}
			links++
			if !g.Valid(l.Handle) {
				return fmt.Errorf("particle %d end %v links to dead particle %d", h, End(e), l.Handle)
			}
			back := g.slots[l.Handle].particle.Links[l.End]
			if back.Handle != h || back.End != End(e) {
				return fmt.Errorf("link %d/%v -> %d/%v is not symmetric", h, End(e), l.Handle, l.End)
			}
		}
	}

	bucketed := 0
	for _, bucket := range g.cells {
		bucketed += len(bucket)
	}

	switch {
	case particles != len(g.live):
		return fmt.Errorf("live list has %d entries, found %d particles", len(g.live), particles)
	case bucketed != particles:
		return fmt.Errorf("buckets hold %d handles, found %d particles", bucketed, particles)
	case links != 2*g.numConnections:
		return fmt.Errorf("connection counter is %d, found %d link slots", g.numConnections, links)
	}
	return nil
}
