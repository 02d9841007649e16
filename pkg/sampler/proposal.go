package sampler

import (
	"gibbstrack/internal/models"
	"gibbstrack/pkg/energy"
	"gibbstrack/pkg/particles"
)

// Kind identifies a proposal type.
type Kind int

const (
	Birth Kind = iota
	Death
	Shift
	Connect

	numKinds
)

// Kinds lists every proposal kind in draw order.
var Kinds = [numKinds]Kind{Birth, Death, Shift, Connect}

func (k Kind) String() string {
	switch k {
	case Birth:
		return "birth"
	case Death:
		return "death"
	case Shift:
		return "shift"
	case Connect:
		return "connect"
	default:
		return "unknown"
	}
}

// Placement is a new position and direction for an existing particle.
type Placement struct {
	Handle    particles.Handle
	Position  models.Vector3
	Direction models.Vector3
}

// LinkChange names a connection between end EA of A and end EB of B. Energy
// is only meaningful for new links and energy updates.
type LinkChange struct {
	A      particles.Handle
	EA     particles.End
	B      particles.Handle
	EB     particles.End
	Energy float64
}

// Delta is a fully described population change. Handlers build deltas
// without touching the grid; commit applies them in the order unlink,
// remove, move, relink, insert, link.
type Delta struct {
	Kind Kind

	Insert []particles.Particle
	Remove []particles.Handle
	Move   []Placement
	Unlink []LinkChange
	Link   []LinkChange
	Relink []LinkChange // energy updates for links that survive a move

	// ParticleDelta and ConnectionDelta are the declared count changes; commit
	// refuses deltas whose lists disagree with them
	ParticleDelta   int
	ConnectionDelta int

	Terms  energy.Terms
	Energy float64
	Vetoed bool
}

// proposeBirth places a particle uniformly inside a random active voxel with
// a uniformly random direction.
func (s *Sampler) proposeBirth() (Delta, bool) {
	if len(s.active) == 0 {
		return Delta{}, false
	}
	v := s.active[s.rng.IntN(len(s.active))]
	origin := s.field.VoxelOrigin(v[0], v[1], v[2])
	sp := s.field.Spacing
	pos := models.Vec(
		origin.X+s.rng.Float64()*sp.X,
		origin.Y+s.rng.Float64()*sp.Y,
		origin.Z+s.rng.Float64()*sp.Z,
	)
	if !s.comp.Allowed(pos) {
		return Delta{}, false
	}

	p := particles.NewParticle(pos, randomUnitVector(s.rng))
	terms := s.comp.ParticleTerms(p, particles.InvalidHandle)
	return Delta{
		Kind:          Birth,
		Insert:        []particles.Particle{p},
		ParticleDelta: 1,
		Terms:         terms,
		Energy:        s.comp.TotalEnergy(terms),
	}, true
}

// proposeDeath removes a random particle together with its links.
func (s *Sampler) proposeDeath() (Delta, bool) {
	h := s.grid.RandomHandle(s.rng)
	p, ok := s.grid.Particle(h)
	if !ok {
		return Delta{}, false
	}

	d := Delta{
		Kind:          Death,
		Remove:        []particles.Handle{h},
		ParticleDelta: -1,
	}
	for e, l := range p.Links {
		if l.Free() {
			continue
		}
		d.Unlink = append(d.Unlink, LinkChange{A: h, EA: particles.End(e), B: l.Handle, EB: l.End})
	}
	d.ConnectionDelta = -len(d.Unlink)
	d.Terms = s.comp.ParticleTerms(p, h).Negate()
	d.Energy = s.comp.TotalEnergy(d.Terms)
	return d, true
}

// proposeShift perturbs the position and direction of a random particle.
// Links are kept; a kept link that would stretch beyond half a particle
// length or bend past the curvature threshold vetoes the move.
func (s *Sampler) proposeShift() (Delta, bool) {
	h := s.grid.RandomHandle(s.rng)
	p, ok := s.grid.Particle(h)
	if !ok {
		return Delta{}, false
	}

	pos := p.Position.Add(gaussianOffset(s.rng, s.positionSigma))
	if !s.comp.Allowed(pos) {
		return Delta{}, false
	}
	dir, ok := p.Direction.Add(gaussianOffset(s.rng, s.directionSigma)).Normalize()
	if !ok {
		return Delta{}, false
	}
	q := p
	q.Position = pos
	q.Direction = dir

	d := Delta{
		Kind: Shift,
		Move: []Placement{{Handle: h, Position: pos, Direction: dir}},
	}

	oldLinks, newLinks := 0.0, 0.0
	for e, l := range p.Links {
		if l.Free() {
			continue
		}
		partner, ok := s.grid.Particle(l.Handle)
		if !ok {
			return Delta{}, false
		}
		end := particles.End(e)
		u, ok := s.comp.ConnectionEnergy(q, end, partner, l.End)
		if !ok {
			d.Vetoed = true
			d.Terms.Curvature += energy.CurvatureVeto
			continue
		}
		if curv := s.comp.CurvatureEnergy(q, end, partner, l.End); curv > 0 {
			d.Vetoed = true
			d.Terms.Curvature += curv
		}
		oldLinks += l.Energy
		newLinks += u
		d.Relink = append(d.Relink, LinkChange{A: h, EA: end, B: l.Handle, EB: l.End, Energy: u})
	}

	d.Terms.Internal = s.comp.InternalEnergy(q) - s.comp.InternalEnergy(p)
	d.Terms.External = s.comp.RepulsionEnergy(q, h) + newLinks -
		s.comp.RepulsionEnergy(p, h) - oldLinks
	d.Energy = s.comp.TotalEnergy(d.Terms)
	return d, true
}

// proposeConnect picks a random particle end and rewires it to a free end of
// a nearby particle, or disconnects it. The current partner is never a
// candidate, nor is a particle already linked through the other end.
func (s *Sampler) proposeConnect() (Delta, bool) {
	h := s.grid.RandomHandle(s.rng)
	p, ok := s.grid.Particle(h)
	if !ok {
		return Delta{}, false
	}
	end := particles.End(s.rng.IntN(2))
	current := p.Links[end]
	other := p.Links[end.Other()]

	length := s.grid.Length()
	tip := p.EndPoint(end, length)
	s.candidates = s.candidates[:0]
	s.buf = s.grid.AppendNeighbors(s.buf[:0], tip, length)
	for _, nh := range s.buf {
		if nh == h || nh == current.Handle || nh == other.Handle {
			continue
		}
		q, _ := s.grid.Particle(nh)
		for qe, ql := range q.Links {
			if !ql.Free() {
				continue
			}
			u, ok := s.comp.ConnectionEnergy(p, end, q, particles.End(qe))
			if !ok {
				continue
			}
			s.candidates = append(s.candidates, candidate{handle: nh, end: particles.End(qe), energy: u})
		}
	}

	// The last slot is the "no partner" option
	pick := s.rng.IntN(len(s.candidates) + 1)
	if pick == len(s.candidates) && current.Free() {
		return Delta{}, false
	}

	d := Delta{Kind: Connect}
	oldU := 0.0
	if !current.Free() {
		oldU = current.Energy
		d.Unlink = []LinkChange{{A: h, EA: end, B: current.Handle, EB: current.End}}
	}
	newU := 0.0
	if pick < len(s.candidates) {
		c := s.candidates[pick]
		q, _ := s.grid.Particle(c.handle)
		newU = c.energy
		d.Link = []LinkChange{{A: h, EA: end, B: c.handle, EB: c.end, Energy: c.energy}}
		if curv := s.comp.CurvatureEnergy(p, end, q, c.end); curv > 0 {
			d.Vetoed = true
			d.Terms.Curvature = curv
		}
	}
	d.ConnectionDelta = len(d.Link) - len(d.Unlink)
	d.Terms.External = newU - oldU
	d.Energy = s.comp.TotalEnergy(d.Terms)
	return d, true
}

type candidate struct {
	handle particles.Handle
	end    particles.End
	energy float64
}
