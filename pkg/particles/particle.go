// Package particles stores the sampled particle population in a handle-based
// arena indexed by a uniform spatial grid. Buckets and connections refer to
// particles only through integer handles, so removing a particle never leaves
// dangling references behind.
package particles

import "gibbstrack/internal/models"

// Handle addresses a particle in the grid's arena. Handles are stable for the
// lifetime of the particle and may be reused after removal.
type Handle int

// InvalidHandle marks a free link slot or a failed insert.
const InvalidHandle Handle = -1

// End selects one of the two tips of a particle.
type End int

const (
	// Minus is the tip at Position - Direction*length/2
	Minus End = iota
	// Plus is the tip at Position + Direction*length/2
	Plus
)

// Sign returns -1 for Minus and +1 for Plus.
func (e End) Sign() float64 {
	if e == Minus {
		return -1
	}
	return 1
}

// Other returns the opposite end.
func (e End) Other() End {
	return 1 - e
}

func (e End) String() string {
	if e == Minus {
		return "minus"
	}
	return "plus"
}

// Link is one side of a connection. A connection between (a, ea) and (b, eb)
// is stored as a.Links[ea] = {b, eb} and b.Links[eb] = {a, ea}, both carrying
// the same cached energy.
type Link struct {
	Handle Handle
	End    End
	Energy float64
}

// Free reports whether the link slot is unused.
func (l Link) Free() bool {
	return l.Handle == InvalidHandle
}

var freeLink = Link{Handle: InvalidHandle}

// Particle is a short directed segment. Length and width are shared by all
// particles of a run and are held by the grid and the energy computer.
type Particle struct {
	Position  models.Vector3
	Direction models.Vector3
	Links     [2]Link
}

// NewParticle returns an unconnected particle.
func NewParticle(pos, dir models.Vector3) Particle {
	return Particle{
		Position:  pos,
		Direction: dir,
		Links:     [2]Link{freeLink, freeLink},
	}
}

// EndPoint returns the tip position of end e for a particle of the given length.
func (p Particle) EndPoint(e End, length float64) models.Vector3 {
	return p.Position.Add(p.Direction.Scale(e.Sign() * length / 2))
}

// Outward returns the unit direction pointing out of the particle at end e.
func (p Particle) Outward(e End) models.Vector3 {
	return p.Direction.Scale(e.Sign())
}

// Degree returns the number of occupied link slots.
func (p Particle) Degree() int {
	n := 0
	for _, l := range p.Links {
		if !l.Free() {
			n++
		}
	}
	return n
}
