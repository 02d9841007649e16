package energy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/particles"
	"gibbstrack/pkg/phantom"
	"gibbstrack/pkg/sphere"
)

type fixture struct {
	field  *models.OrientationField
	mask   *models.Mask
	interp *sphere.Interpolator
	grid   *particles.Grid
	comp   *Computer
}

func newFixture(t *testing.T, mask bool, curvatureDeg float64) *fixture {
	t.Helper()

	interp, err := sphere.Build(sphere.Icosphere(2), 24)
	require.NoError(t, err)

	opts := phantom.Options{Size: 10, Directions: interp.Directions()}
	if mask {
		opts.Radius = 4
	}
	field, m := phantom.StraightBundle(opts)
	stats := ComputeFieldStats(field)
	weight, ok := EstimateParticleWeight(field, m, stats)
	require.True(t, ok)

	grid := particles.NewGrid(field.Extent(), 1.5)
	params := Params{
		ParticleLength:      1.5,
		ParticleWidth:       0.5,
		ParticleWeight:      weight,
		CurvatureThreshold:  math.Cos(curvatureDeg * math.Pi / 180),
		ConnectionPotential: 1,
		ParticlePotential:   0.2,
	}
	return &fixture{
		field:  field,
		mask:   m,
		interp: interp,
		grid:   grid,
		comp:   NewComputer(params, field, m, interp, grid, stats),
	}
}

func TestBalanceWeights(t *testing.T) {
	t.Parallel()

	wInt, wExt := BalanceWeights(0)
	assert.InDelta(t, 1, wInt, 1e-12)
	assert.InDelta(t, 1, wExt, 1e-12)

	for _, b := range []float64{-5, -1, 0.5, 5} {
		wi, we := BalanceWeights(b)
		assert.InDelta(t, 2, wi+we, 1e-12)
		assert.Equal(t, b > 0, wi > we, "balance %v", b)
	}
}

func TestInternalEnergyPrefersAlignment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, 45)
	center := models.Vec(5, 5, 5)

	aligned := f.comp.InternalEnergy(particles.NewParticle(center, models.Vec(1, 0, 0)))
	flipped := f.comp.InternalEnergy(particles.NewParticle(center, models.Vec(-1, 0, 0)))
	across := f.comp.InternalEnergy(particles.NewParticle(center, models.Vec(0, 1, 0)))

	assert.Less(t, aligned, 0.0, "aligned particle should be favourable")
	assert.InDelta(t, aligned, flipped, 0.05, "ODF is antipodally symmetric")
	assert.Greater(t, across, 0.0)
	assert.Less(t, aligned, across)
	assert.Equal(t, 0, f.comp.DegenerateLookups())
}

func TestInternalEnergyDegenerateField(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, 45)
	for i := range f.field.Data {
		f.field.Data[i] = 0
	}
	comp := NewComputer(f.comp.Params(), f.field, nil, f.interp, f.grid, nil)

	e := comp.InternalEnergy(particles.NewParticle(models.Vec(5, 5, 5), models.Vec(0, 0, 1)))
	assert.Equal(t, comp.Params().ParticlePotential, e)
	assert.Equal(t, 1, comp.DegenerateLookups())
}

func TestAllowedFollowsMask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, 45)
	assert.True(t, f.comp.Allowed(models.Vec(5, 5, 5)))
	assert.False(t, f.comp.Allowed(models.Vec(0.5, 0.5, 0.5)))
	assert.False(t, f.comp.Allowed(models.Vec(-1, 5, 5)))
}

func TestRepulsion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, 45)
	p := particles.NewParticle(models.Vec(5, 5, 5), models.Vec(1, 0, 0))

	assert.InDelta(t, 1, f.comp.Repulsion(p, p), 1e-12)
	perp := particles.NewParticle(models.Vec(5, 5, 5), models.Vec(0, 1, 0))
	assert.InDelta(t, 0, f.comp.Repulsion(p, perp), 1e-12)

	// ExternalEnergy skips the particle itself
	h := f.grid.Insert(p)
	assert.InDelta(t, 0, f.comp.ExternalEnergy(p, h), 1e-12)
	assert.InDelta(t, 1, f.comp.ExternalEnergy(p, particles.InvalidHandle), 1e-12)
}

func TestConnectionEnergy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, 45)
	a := particles.NewParticle(models.Vec(4, 5, 5), models.Vec(1, 0, 0))
	b := particles.NewParticle(models.Vec(5.5, 5, 5), models.Vec(1, 0, 0))

	u, ok := f.comp.ConnectionEnergy(a, particles.Plus, b, particles.Minus)
	require.True(t, ok)
	assert.InDelta(t, -1, u, 1e-12, "straight continuation earns the full potential")

	// Offset partner is compatible but less attractive
	c := particles.NewParticle(models.Vec(5.5, 5.4, 5), models.Vec(1, 0, 0))
	uc, ok := f.comp.ConnectionEnergy(a, particles.Plus, c, particles.Minus)
	require.True(t, ok)
	assert.Greater(t, uc, u)

	// Ends too far apart
	far := particles.NewParticle(models.Vec(7, 5, 5), models.Vec(1, 0, 0))
	_, ok = f.comp.ConnectionEnergy(a, particles.Plus, far, particles.Minus)
	assert.False(t, ok)

	// Link energies feed into ExternalEnergy
	ha := f.grid.Insert(a)
	hb := f.grid.Insert(b)
	require.NoError(t, f.grid.Connect(ha, particles.Plus, hb, particles.Minus, u))
	pa, _ := f.grid.Particle(ha)
	assert.InDelta(t, u+f.comp.RepulsionEnergy(pa, ha), f.comp.ExternalEnergy(pa, ha), 1e-12)
}

func TestCurvatureEnergy(t *testing.T) {
	t.Parallel()

	a := particles.NewParticle(models.Vec(4, 5, 5), models.Vec(1, 0, 0))
	straight := particles.NewParticle(models.Vec(5.5, 5, 5), models.Vec(1, 0, 0))
	reversed := particles.NewParticle(models.Vec(5.5, 5, 5), models.Vec(-1, 0, 0))
	bent30, _ := models.Vec(math.Cos(math.Pi/6), math.Sin(math.Pi/6), 0).Normalize()
	mild := particles.NewParticle(models.Vec(5.5, 5.3, 5), bent30)
	right := particles.NewParticle(models.Vec(5, 5.75, 5), models.Vec(0, 1, 0))

	loose := newFixture(t, false, 45).comp
	assert.Zero(t, loose.CurvatureEnergy(a, particles.Plus, straight, particles.Minus))
	assert.Zero(t, loose.CurvatureEnergy(a, particles.Plus, reversed, particles.Plus), "flipped partner entered through its plus end")
	assert.Zero(t, loose.CurvatureEnergy(a, particles.Plus, mild, particles.Minus))
	assert.Equal(t, CurvatureVeto, loose.CurvatureEnergy(a, particles.Plus, right, particles.Minus))
	assert.Equal(t, CurvatureVeto, loose.CurvatureEnergy(a, particles.Plus, straight, particles.Plus))

	strict := newFixture(t, false, 0).comp
	assert.Equal(t, CurvatureVeto, strict.CurvatureEnergy(a, particles.Plus, mild, particles.Minus))
}

func TestTotalEnergy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, 45)
	terms := Terms{Internal: -0.5, External: 0.25}
	assert.InDelta(t, -0.25, f.comp.TotalEnergy(terms), 1e-12)

	vetoed := terms.Add(Terms{Curvature: CurvatureVeto})
	assert.Greater(t, f.comp.TotalEnergy(vetoed), 1e5)
	assert.Equal(t, Terms{Internal: 0.5, External: -0.25}, terms.Negate())
}

func TestEstimateParticleWeight(t *testing.T) {
	t.Parallel()

	dirs := sphere.Icosphere(2)
	field, mask := phantom.StraightBundle(phantom.Options{Size: 6, Directions: dirs, Radius: 2})
	stats := ComputeFieldStats(field)

	weight, ok := EstimateParticleWeight(field, mask, stats)
	require.True(t, ok)

	// Every voxel is identical, so the estimate is exactly one sixth of its contrast
	v := field.VoxelIndex(3, 3, 3)
	assert.InDelta(t, stats.Contrast(v)/6, weight, 1e-12)

	_, ok = EstimateParticleWeight(field, phantom.EmptyMask(field), stats)
	assert.False(t, ok)
}
