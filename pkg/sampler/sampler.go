// Package sampler implements the Metropolis-Hastings proposal loop that
// evolves the particle population. A sampler owns its grid and random source
// and must only be driven from one goroutine.
package sampler

import (
	"errors"
	"fmt"
	"math"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/energy"
	"gibbstrack/pkg/particles"
)

// ErrInvalidTemperature is returned for a temperature that is not a positive
// finite number.
var ErrInvalidTemperature = errors.New("temperature must be positive and finite")

// DefaultDirectionSigma is the standard deviation of the direction noise of a
// shift proposal.
const DefaultDirectionSigma = 0.3

// Options tune a sampler.
type Options struct {
	// Temperature is the initial annealing temperature
	Temperature float64

	// PositionSigma is the position noise of a shift in mm. 0 uses the
	// particle width.
	PositionSigma float64

	// DirectionSigma is the direction noise of a shift. 0 uses
	// DefaultDirectionSigma.
	DirectionSigma float64
}

// Outcome describes one proposal.
type Outcome struct {
	Kind Kind

	// Valid is false when no proposal of the drawn kind could be built, e.g.
	// a death on an empty grid
	Valid bool

	Accepted        bool
	Vetoed          bool
	DeltaEnergy     float64
	ParticleDelta   int
	ConnectionDelta int

	// Err is set when an accepted delta failed validation and was not applied
	Err error
}

// Stats accumulates proposal counts per kind.
type Stats struct {
	Proposals [numKinds]int
	Accepted  [numKinds]int
	Vetoed    [numKinds]int
	Invalid   [numKinds]int
}

// Total returns the number of proposals of every kind.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.Proposals {
		n += c
	}
	return n
}

// TotalAccepted returns the number of committed proposals.
func (s Stats) TotalAccepted() int {
	n := 0
	for _, c := range s.Accepted {
		n += c
	}
	return n
}

// TotalVetoed returns the number of proposals rejected by a hard constraint.
func (s Stats) TotalVetoed() int {
	n := 0
	for _, c := range s.Vetoed {
		n += c
	}
	return n
}

// AcceptanceRatio is accepted proposals over all proposals, vetoed and
// invalid ones included. It is 0 before the first proposal.
func (s Stats) AcceptanceRatio() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.TotalAccepted()) / float64(total)
}

// Sampler proposes and commits population changes.
type Sampler struct {
	grid  *particles.Grid
	comp  *energy.Computer
	field *models.OrientationField
	mask  *models.Mask
	rng   RandomSource

	temperature    float64
	positionSigma  float64
	directionSigma float64

	// active voxel coordinates, the support of birth proposals
	active [][3]int

	stats Stats

	buf        []particles.Handle
	candidates []candidate
}

// New creates a sampler over grid. The grid, computer and field must belong
// together; mask may be nil for an unmasked field.
func New(grid *particles.Grid, comp *energy.Computer, field *models.OrientationField,
	mask *models.Mask, rng RandomSource, opts Options) (*Sampler, error) {
	if grid == nil || comp == nil || field == nil || rng == nil {
		return nil, errors.New("sampler requires a grid, energy computer, field and random source")
	}
	if err := validTemperature(opts.Temperature); err != nil {
		return nil, err
	}

	s := &Sampler{
		grid:           grid,
		comp:           comp,
		field:          field,
		mask:           mask,
		rng:            rng,
		temperature:    opts.Temperature,
		positionSigma:  opts.PositionSigma,
		directionSigma: opts.DirectionSigma,
		buf:            make([]particles.Handle, 0, 64),
	}
	if s.positionSigma <= 0 {
		s.positionSigma = comp.Params().ParticleWidth
	}
	if s.directionSigma <= 0 {
		s.directionSigma = DefaultDirectionSigma
	}

	for z := 0; z < field.Depth; z++ {
		for y := 0; y < field.Height; y++ {
			for x := 0; x < field.Width; x++ {
				if mask.Active(x, y, z) {
					s.active = append(s.active, [3]int{x, y, z})
				}
			}
		}
	}
	return s, nil
}

func validTemperature(t float64) error {
	if !(t > 0) || math.IsInf(t, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidTemperature, t)
	}
	return nil
}

// SetTemperature changes the temperature used by the acceptance rule.
func (s *Sampler) SetTemperature(t float64) error {
	if err := validTemperature(t); err != nil {
		return err
	}
	s.temperature = t
	return nil
}

// Temperature returns the current temperature.
func (s *Sampler) Temperature() float64 { return s.temperature }

// Grid returns the particle grid the sampler mutates.
func (s *Sampler) Grid() *particles.Grid { return s.grid }

// Stats returns a snapshot of the proposal counters.
func (s *Sampler) Stats() Stats { return s.stats }

// AcceptanceRatio is a shortcut for Stats().AcceptanceRatio().
func (s *Sampler) AcceptanceRatio() float64 { return s.stats.AcceptanceRatio() }

// ActiveVoxels returns the number of voxels births may land in.
func (s *Sampler) ActiveVoxels() int { return len(s.active) }

// Accept applies the Metropolis rule: vetoed changes are refused, changes
// that do not raise the energy are taken, and the rest are taken with
// probability exp(-dE/T).
func (s *Sampler) Accept(dE float64, vetoed bool) bool {
	if vetoed || math.IsNaN(dE) {
		return false
	}
	if dE <= 0 {
		return true
	}
	return s.rng.Float64() < math.Exp(-dE/s.temperature)
}

// MakeProposal draws a proposal kind uniformly, builds the change, decides on
// it and commits it when accepted. Rejected proposals leave the grid as it
// was.
func (s *Sampler) MakeProposal() Outcome {
	kind := Kinds[s.rng.IntN(int(numKinds))]
	s.stats.Proposals[kind]++

	var (
		d  Delta
		ok bool
	)
	switch kind {
	case Birth:
		d, ok = s.proposeBirth()
	case Death:
		d, ok = s.proposeDeath()
	case Shift:
		d, ok = s.proposeShift()
	case Connect:
		d, ok = s.proposeConnect()
	}

	out := Outcome{Kind: kind}
	if !ok {
		s.stats.Invalid[kind]++
		return out
	}
	out.Valid = true
	out.Vetoed = d.Vetoed
	out.DeltaEnergy = d.Energy
	if d.Vetoed {
		s.stats.Vetoed[kind]++
	}
	if !s.Accept(d.Energy, d.Vetoed) {
		return out
	}

	if err := s.commit(d); err != nil {
		out.Err = err
		return out
	}
	s.stats.Accepted[kind]++
	out.Accepted = true
	out.ParticleDelta = d.ParticleDelta
	out.ConnectionDelta = d.ConnectionDelta
	return out
}

// commit validates a delta against the grid and then applies it. Nothing is
// mutated when validation fails.
func (s *Sampler) commit(d Delta) error {
	if err := s.validate(d); err != nil {
		return fmt.Errorf("%s proposal: %w", d.Kind, err)
	}

	g := s.grid
	particlesBefore, connectionsBefore := g.ParticleCount(), g.ConnectionCount()

	for _, l := range d.Unlink {
		if err := g.Disconnect(l.A, l.EA, l.B, l.EB); err != nil {
			return fmt.Errorf("%s proposal: unlink %d/%v: %w", d.Kind, l.A, l.EA, err)
		}
	}
	for _, h := range d.Remove {
		g.Remove(h)
	}
	for _, m := range d.Move {
		if !g.Move(m.Handle, m.Position, m.Direction) {
			return fmt.Errorf("%s proposal: move of particle %d refused", d.Kind, m.Handle)
		}
	}
	for _, l := range d.Relink {
		if err := g.SetLinkEnergy(l.A, l.EA, l.Energy); err != nil {
			return fmt.Errorf("%s proposal: relink %d/%v: %w", d.Kind, l.A, l.EA, err)
		}
	}
	for _, p := range d.Insert {
		if g.Insert(p) == particles.InvalidHandle {
			return fmt.Errorf("%s proposal: insert outside the domain", d.Kind)
		}
	}
	for _, l := range d.Link {
		if err := g.Connect(l.A, l.EA, l.B, l.EB, l.Energy); err != nil {
			return fmt.Errorf("%s proposal: link %d/%v-%d/%v: %w", d.Kind, l.A, l.EA, l.B, l.EB, err)
		}
	}

	if got := g.ParticleCount() - particlesBefore; got != d.ParticleDelta {
		return fmt.Errorf("%s proposal: particle count changed by %d, declared %d", d.Kind, got, d.ParticleDelta)
	}
	if got := g.ConnectionCount() - connectionsBefore; got != d.ConnectionDelta {
		return fmt.Errorf("%s proposal: connection count changed by %d, declared %d", d.Kind, got, d.ConnectionDelta)
	}
	return nil
}

type endKey struct {
	h particles.Handle
	e particles.End
}

// validate checks every precondition of a delta without mutating the grid.
func (s *Sampler) validate(d Delta) error {
	g := s.grid

	if want := len(d.Insert) - len(d.Remove); d.ParticleDelta != want {
		return fmt.Errorf("declared particle delta %d, lists imply %d", d.ParticleDelta, want)
	}
	if want := len(d.Link) - len(d.Unlink); d.ConnectionDelta != want {
		return fmt.Errorf("declared connection delta %d, lists imply %d", d.ConnectionDelta, want)
	}

	freed := make(map[endKey]bool, 2*len(d.Unlink))
	for _, l := range d.Unlink {
		p, ok := g.Particle(l.A)
		if !ok {
			return fmt.Errorf("unlink: %w", particles.ErrInvalidHandle)
		}
		if cur := p.Links[l.EA]; cur.Handle != l.B || cur.End != l.EB {
			return fmt.Errorf("unlink %d/%v: %w", l.A, l.EA, particles.ErrNotConnected)
		}
		freed[endKey{l.A, l.EA}] = true
		freed[endKey{l.B, l.EB}] = true
	}

	removed := make(map[particles.Handle]bool, len(d.Remove))
	for _, h := range d.Remove {
		p, ok := g.Particle(h)
		if !ok {
			return fmt.Errorf("remove: %w", particles.ErrInvalidHandle)
		}
		for e, l := range p.Links {
			if !l.Free() && !freed[endKey{h, particles.End(e)}] {
				return fmt.Errorf("remove %d: link at %v end not listed for unlinking", h, particles.End(e))
			}
		}
		removed[h] = true
	}

	for _, m := range d.Move {
		if !g.Valid(m.Handle) || removed[m.Handle] {
			return fmt.Errorf("move: %w", particles.ErrInvalidHandle)
		}
		if !g.Contains(m.Position) {
			return fmt.Errorf("move of particle %d leaves the domain", m.Handle)
		}
	}

	for _, l := range d.Relink {
		p, ok := g.Particle(l.A)
		if !ok || removed[l.A] {
			return fmt.Errorf("relink: %w", particles.ErrInvalidHandle)
		}
		if cur := p.Links[l.EA]; cur.Handle != l.B || cur.End != l.EB || freed[endKey{l.A, l.EA}] {
			return fmt.Errorf("relink %d/%v: %w", l.A, l.EA, particles.ErrNotConnected)
		}
	}

	for _, p := range d.Insert {
		if !g.Contains(p.Position) {
			return errors.New("insert outside the domain")
		}
	}

	// New links only connect particles that already exist
	taken := make(map[endKey]bool, 2*len(d.Link))
	for _, l := range d.Link {
		if l.A == l.B {
			return fmt.Errorf("link %d to itself", l.A)
		}
		for _, k := range [2]endKey{{l.A, l.EA}, {l.B, l.EB}} {
			p, ok := g.Particle(k.h)
			if !ok || removed[k.h] {
				return fmt.Errorf("link: %w", particles.ErrInvalidHandle)
			}
			if taken[k] || (!p.Links[k.e].Free() && !freed[k]) {
				return fmt.Errorf("link %d/%v: %w", k.h, k.e, particles.ErrEndOccupied)
			}
			taken[k] = true
		}
	}
	return nil
}
