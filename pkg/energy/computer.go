// Package energy scores particles and proposed population changes. All
// energies are costs: a proposal that lowers the total energy is favourable.
//
// The total energy of a configuration is
//
//	wInt * sum_p Internal(p) + wExt * (sum_pairs Repulsion + sum_connections U) + Curvature
//
// where Internal is the data term measuring how well a particle agrees with
// the orientation field, Repulsion penalizes overlapping parallel particles,
// U is the attractive connection potential and Curvature vetoes sharp bends.
// The weights wInt and wExt are derived from the in/ex balance.
package energy

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/particles"
	"gibbstrack/pkg/sphere"
)

// CurvatureVeto is the penalty for a connection bending more than the
// configured threshold. It is large enough that no temperature of a sane
// schedule can accept it.
const CurvatureVeto = 1e6

// degenerateContrast is the peak-minus-mean below which a voxel carries no
// directional information.
const degenerateContrast = 1e-12

// Params are the energy model constants of a tracking run.
type Params struct {
	// ParticleLength is the length L of every particle in mm
	ParticleLength float64

	// ParticleWidth is the width sigma of the repulsion kernel in mm
	ParticleWidth float64

	// ParticleWeight is one particle's share of a voxel's ODF contrast
	ParticleWeight float64

	// InexBalance shifts weight between the internal (data) and external
	// (neighbourhood) terms. 0 weights both equally, roughly [-5, 5]
	InexBalance float64

	// CurvatureThreshold is the minimum cosine between a particle's outgoing
	// direction and its partner's incoming direction
	CurvatureThreshold float64

	// ConnectionPotential is the reward of a perfectly aligned connection
	ConnectionPotential float64

	// ParticlePotential is the cost of a particle without data support
	ParticlePotential float64
}

// Terms groups the energy contributions of a proposal.
type Terms struct {
	Internal  float64
	External  float64
	Curvature float64
}

// Add returns the component-wise sum.
func (t Terms) Add(o Terms) Terms {
	return Terms{
		Internal:  t.Internal + o.Internal,
		External:  t.External + o.External,
		Curvature: t.Curvature + o.Curvature,
	}
}

// Negate flips the sign of the internal and external terms. Curvature is a
// veto, not a stored energy, so it is left alone.
func (t Terms) Negate() Terms {
	return Terms{Internal: -t.Internal, External: -t.External, Curvature: t.Curvature}
}

// Computer evaluates energies against a field, mask and particle grid. It
// keeps a scratch buffer and a counter, so one Computer belongs to one sampler.
type Computer struct {
	params Params
	field  *models.OrientationField
	mask   *models.Mask
	interp *sphere.Interpolator
	grid   *particles.Grid
	stats  *FieldStats

	wInt, wExt   float64
	twoSigmaSq   float64
	maxEndDistSq float64

	neighbors  []particles.Handle
	degenerate int
}

// NewComputer creates an energy computer. stats may be nil, in which case the
// field statistics are computed here.
func NewComputer(params Params, field *models.OrientationField, mask *models.Mask,
	interp *sphere.Interpolator, grid *particles.Grid, stats *FieldStats) *Computer {
	if stats == nil {
		stats = ComputeFieldStats(field)
	}
	wInt, wExt := BalanceWeights(params.InexBalance)
	half := params.ParticleLength / 2
	return &Computer{
		params:       params,
		field:        field,
		mask:         mask,
		interp:       interp,
		grid:         grid,
		stats:        stats,
		wInt:         wInt,
		wExt:         wExt,
		twoSigmaSq:   2 * params.ParticleWidth * params.ParticleWidth,
		maxEndDistSq: half * half,
		neighbors:    make([]particles.Handle, 0, 64),
	}
}

// BalanceWeights converts the in/ex balance into the internal and external
// weights. They always sum to 2 and are equal for balance 0.
func BalanceWeights(balance float64) (wInt, wExt float64) {
	wInt = 2 / (1 + math.Exp(-balance))
	return wInt, 2 - wInt
}

// Params returns the model constants.
func (c *Computer) Params() Params { return c.params }

// DegenerateLookups counts data-term evaluations that fell back to the
// neutral value because the field carried no directional signal.
func (c *Computer) DegenerateLookups() int { return c.degenerate }

// Allowed reports whether a position lies inside an active mask voxel.
func (c *Computer) Allowed(pos models.Vector3) bool {
	x, y, z, ok := c.field.VoxelOf(pos)
	return ok && c.mask.Active(x, y, z) && c.grid.Contains(pos)
}

// InternalEnergy is the data term of a particle: the particle potential minus
// the ODF value along the particle direction above the local ODF mean, in
// units of the particle weight. A well aligned particle in a typical voxel
// scores about ParticlePotential-1; a field without directional contrast
// yields the neutral ParticlePotential.
func (c *Computer) InternalEnergy(p particles.Particle) float64 {
	v, mean, peak, ok := c.sample(p.Position, p.Direction)
	if !ok || peak-mean <= degenerateContrast {
		c.degenerate++
		return c.params.ParticlePotential
	}
	return c.params.ParticlePotential - (v-mean)/(weightDivisor*c.params.ParticleWeight)
}

// sample trilinearly interpolates the ODF value along dir together with the
// voxel mean and peak. Inactive or out-of-domain corners are skipped and the
// remaining weights renormalized.
func (c *Computer) sample(pos, dir models.Vector3) (value, mean, peak float64, ok bool) {
	f := c.field
	fx := pos.X/f.Spacing.X - 0.5
	fy := pos.Y/f.Spacing.Y - 0.5
	fz := pos.Z/f.Spacing.Z - 0.5
	x0, y0, z0 := math.Floor(fx), math.Floor(fy), math.Floor(fz)
	tx, ty, tz := fx-x0, fy-y0, fz-z0

	wsum := 0.0
	for corner := 0; corner < 8; corner++ {
		dx, dy, dz := corner&1, (corner>>1)&1, (corner>>2)&1
		x, y, z := int(x0)+dx, int(y0)+dy, int(z0)+dz
		if !f.Contains(x, y, z) || !c.mask.Active(x, y, z) {
			continue
		}

		w := lerpWeight(tx, dx) * lerpWeight(ty, dy) * lerpWeight(tz, dz)
		if w == 0 {
			continue
		}
		voxel := f.VoxelIndex(x, y, z)
		value += w * c.interp.GetValue(f.ODFAt(voxel), dir)
		mean += w * c.stats.Mean[voxel]
		peak += w * c.stats.Peak[voxel]
		wsum += w
	}

	if wsum == 0 {
		return 0, 0, 0, false
	}
	return value / wsum, mean / wsum, peak / wsum, true
}

func lerpWeight(t float64, upper int) float64 {
	if upper == 1 {
		return t
	}
	return 1 - t
}

// Repulsion is the overlap penalty between two particles: a Gaussian of their
// center distance with width sigma, times the squared cosine of their
// directions.
func (c *Computer) Repulsion(a, b particles.Particle) float64 {
	d2 := a.Position.SquaredDistance(b.Position)
	cos := r3.Dot(a.Direction.R3(), b.Direction.R3())
	return math.Exp(-d2/c.twoSigmaSq) * cos * cos
}

// RepulsionEnergy sums Repulsion between p and every particle within one
// particle length, skipping the particle stored under self.
func (c *Computer) RepulsionEnergy(p particles.Particle, self particles.Handle) float64 {
	c.neighbors = c.grid.AppendNeighbors(c.neighbors[:0], p.Position, c.params.ParticleLength)
	e := 0.0
	for _, h := range c.neighbors {
		if h == self {
			continue
		}
		q, _ := c.grid.Particle(h)
		e += c.Repulsion(p, q)
	}
	return e
}

// LinkEnergy sums the connection potential over p's occupied link slots,
// evaluated with p's current geometry.
func (c *Computer) LinkEnergy(p particles.Particle) float64 {
	e := 0.0
	for end, l := range p.Links {
		if l.Free() {
			continue
		}
		q, ok := c.grid.Particle(l.Handle)
		if !ok {
			continue
		}
		u, _ := c.ConnectionEnergy(p, particles.End(end), q, l.End)
		e += u
	}
	return e
}

// ExternalEnergy is the neighbourhood term of p: repulsion from nearby
// particles plus the potential of p's connections.
func (c *Computer) ExternalEnergy(p particles.Particle, self particles.Handle) float64 {
	return c.RepulsionEnergy(p, self) + c.LinkEnergy(p)
}

// ConnectionEnergy is the attractive potential between end ea of a and end eb
// of b:
//
//	U = (|ra-rb|^2 + |m-j|^2) / L^2 - ConnectionPotential
//
// with ra, rb the end points, j their midpoint and m the midpoint of the two
// centers. A straight continuation scores -ConnectionPotential. ok is false
// when the ends are more than half a particle length apart.
func (c *Computer) ConnectionEnergy(a particles.Particle, ea particles.End, b particles.Particle, eb particles.End) (u float64, ok bool) {
	l := c.params.ParticleLength
	ra := a.EndPoint(ea, l)
	rb := b.EndPoint(eb, l)
	d2 := ra.SquaredDistance(rb)
	if d2 > c.maxEndDistSq {
		return 0, false
	}
	m := a.Position.Midpoint(b.Position)
	j := ra.Midpoint(rb)
	return (d2+m.SquaredDistance(j))/(l*l) - c.params.ConnectionPotential, true
}

// CurvatureEnergy returns CurvatureVeto when the bend between a (leaving
// through ea) and b (entered through eb) exceeds the curvature threshold, and
// 0 otherwise.
func (c *Computer) CurvatureEnergy(a particles.Particle, ea particles.End, b particles.Particle, eb particles.End) float64 {
	cos := r3.Dot(a.Outward(ea).R3(), r3.Scale(-1, b.Outward(eb).R3()))
	if cos < c.params.CurvatureThreshold {
		return CurvatureVeto
	}
	return 0
}

// TotalEnergy combines the terms of a proposal using the in/ex balance.
func (c *Computer) TotalEnergy(t Terms) float64 {
	return c.wInt*t.Internal + c.wExt*t.External + t.Curvature
}

// ParticleTerms returns the internal and external energy of a particle
// against the current grid, excluding the particle stored under self.
func (c *Computer) ParticleTerms(p particles.Particle, self particles.Handle) Terms {
	return Terms{
		Internal: c.InternalEnergy(p),
		External: c.ExternalEnergy(p, self),
	}
}
