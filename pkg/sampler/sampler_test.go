package sampler

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/energy"
	"gibbstrack/pkg/particles"
	"gibbstrack/pkg/phantom"
	"gibbstrack/pkg/sphere"
)

func newTestSampler(t *testing.T, mask func(*models.OrientationField) *models.Mask, temperature float64, seed uint64) *Sampler {
	t.Helper()

	interp, err := sphere.Build(sphere.Icosphere(2), 24)
	require.NoError(t, err)

	field, m := phantom.StraightBundle(phantom.Options{Size: 10, Directions: interp.Directions(), Radius: 4})
	if mask != nil {
		m = mask(field)
	}
	stats := energy.ComputeFieldStats(field)
	weight, ok := energy.EstimateParticleWeight(field, nil, stats)
	require.True(t, ok)

	grid := particles.NewGrid(field.Extent(), 1.5)
	comp := energy.NewComputer(energy.Params{
		ParticleLength:      1.5,
		ParticleWidth:       0.5,
		ParticleWeight:      weight,
		CurvatureThreshold:  math.Cos(math.Pi / 4),
		ConnectionPotential: 1,
		ParticlePotential:   0.2,
	}, field, m, interp, grid, stats)

	s, err := New(grid, comp, field, m, NewRandomSource(seed), Options{Temperature: temperature})
	require.NoError(t, err)
	return s
}

func TestProposalCountDeltas(t *testing.T) {
	t.Parallel()

	s := newTestSampler(t, nil, 1, 7)
	g := s.Grid()

	seen := map[Kind]int{}
	for i := 0; i < 20000; i++ {
		particlesBefore, connectionsBefore := g.ParticleCount(), g.ConnectionCount()
		out := s.MakeProposal()
		require.NoError(t, out.Err)

		if out.Accepted {
			seen[out.Kind]++
			assert.Equal(t, particlesBefore+out.ParticleDelta, g.ParticleCount(), "%s", out.Kind)
			assert.Equal(t, connectionsBefore+out.ConnectionDelta, g.ConnectionCount(), "%s", out.Kind)
		} else {
			assert.Equal(t, particlesBefore, g.ParticleCount(), "rejected %s", out.Kind)
			assert.Equal(t, connectionsBefore, g.ConnectionCount(), "rejected %s", out.Kind)
		}
		if i%1000 == 0 {
			require.NoError(t, g.Validate())
		}
	}
	require.NoError(t, g.Validate())

	for _, k := range Kinds {
		assert.Positive(t, seen[k], "no %s was ever accepted", k)
	}
	assert.Equal(t, 20000, s.Stats().Total())
}

func TestParticlesStayInsideMask(t *testing.T) {
	t.Parallel()

	s := newTestSampler(t, nil, 0.5, 3)
	for i := 0; i < 5000; i++ {
		s.MakeProposal()
	}
	g := s.Grid()
	require.Positive(t, g.ParticleCount())
	for _, h := range g.Handles() {
		p, _ := g.Particle(h)
		assert.True(t, s.comp.Allowed(p.Position), "particle %d at %+v", h, p.Position)
	}
}

func TestAcceptRule(t *testing.T) {
	t.Parallel()

	s := newTestSampler(t, nil, 0.01, 1)
	for i := 0; i < 1000; i++ {
		require.True(t, s.Accept(-1, false))
		require.True(t, s.Accept(0, false))
		require.False(t, s.Accept(-1, true))
	}
	assert.False(t, s.Accept(math.NaN(), false))
	assert.False(t, s.Accept(energy.CurvatureVeto, false), "a veto-sized energy never passes at low temperature")
}

func TestAcceptanceRateConverges(t *testing.T) {
	t.Parallel()

	s := newTestSampler(t, nil, 0.5, 11)
	const (
		dE     = 0.3
		trials = 40000
	)
	accepted := 0
	for i := 0; i < trials; i++ {
		if s.Accept(dE, false) {
			accepted++
		}
	}
	want := math.Exp(-dE / 0.5)
	assert.InDelta(t, want, float64(accepted)/trials, 0.02)
}

func TestSetTemperature(t *testing.T) {
	t.Parallel()

	s := newTestSampler(t, nil, 1, 1)
	for _, bad := range []float64{0, -0.1, math.NaN(), math.Inf(1)} {
		err := s.SetTemperature(bad)
		assert.True(t, errors.Is(err, ErrInvalidTemperature), "temperature %v", bad)
	}
	assert.Equal(t, 1.0, s.Temperature())

	require.NoError(t, s.SetTemperature(0.25))
	assert.Equal(t, 0.25, s.Temperature())
}

func TestNewRejectsBadTemperature(t *testing.T) {
	t.Parallel()

	s := newTestSampler(t, nil, 1, 1)
	_, err := New(s.grid, s.comp, s.field, s.mask, NewRandomSource(1), Options{})
	assert.ErrorIs(t, err, ErrInvalidTemperature)
}

func TestEmptyMaskNeverBirths(t *testing.T) {
	t.Parallel()

	s := newTestSampler(t, phantom.EmptyMask, 1, 5)
	assert.Zero(t, s.ActiveVoxels())
	for i := 0; i < 2000; i++ {
		out := s.MakeProposal()
		assert.False(t, out.Accepted)
	}
	assert.Zero(t, s.Grid().ParticleCount())

	st := s.Stats()
	assert.Positive(t, st.Proposals[Birth])
	assert.Equal(t, st.Proposals[Birth], st.Invalid[Birth])
	assert.Zero(t, st.AcceptanceRatio())
}

func TestSameSeedSameTrajectory(t *testing.T) {
	t.Parallel()

	run := func() (int, int, Stats) {
		s := newTestSampler(t, nil, 0.2, 42)
		for i := 0; i < 3000; i++ {
			s.MakeProposal()
		}
		return s.Grid().ParticleCount(), s.Grid().ConnectionCount(), s.Stats()
	}
	p1, c1, s1 := run()
	p2, c2, s2 := run()
	assert.Equal(t, p1, p2)
	assert.Equal(t, c1, c2)
	assert.Equal(t, s1, s2)
}

func TestCommitRejectsInconsistentDelta(t *testing.T) {
	t.Parallel()

	s := newTestSampler(t, nil, 1, 1)
	g := s.Grid()
	a := g.Insert(particles.NewParticle(models.Vec(4, 5, 5), models.Vec(1, 0, 0)))
	b := g.Insert(particles.NewParticle(models.Vec(5.5, 5, 5), models.Vec(1, 0, 0)))
	require.NoError(t, g.Connect(a, particles.Plus, b, particles.Minus, -1))

	// Death that forgets to unlink
	err := s.commit(Delta{Kind: Death, Remove: []particles.Handle{a}, ParticleDelta: -1})
	assert.Error(t, err)

	// Declared counts disagree with the lists
	err = s.commit(Delta{Kind: Birth, Insert: []particles.Particle{particles.NewParticle(models.Vec(5, 5, 5), models.Vec(0, 0, 1))}})
	assert.Error(t, err)

	// Link onto an occupied end
	err = s.commit(Delta{
		Kind:            Connect,
		Link:            []LinkChange{{A: a, EA: particles.Plus, B: b, EB: particles.Plus}},
		ConnectionDelta: 1,
	})
	assert.ErrorIs(t, err, particles.ErrEndOccupied)

	assert.Equal(t, 2, g.ParticleCount())
	assert.Equal(t, 1, g.ConnectionCount())
	require.NoError(t, g.Validate())

	// A consistent death applies
	require.NoError(t, s.commit(Delta{
		Kind:            Death,
		Remove:          []particles.Handle{a},
		Unlink:          []LinkChange{{A: a, EA: particles.Plus, B: b, EB: particles.Minus}},
		ParticleDelta:   -1,
		ConnectionDelta: -1,
	}))
	assert.Equal(t, 1, g.ParticleCount())
	assert.Zero(t, g.ConnectionCount())
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "birth", Birth.String())
	assert.Equal(t, "connect", Connect.String())
	assert.Equal(t, "unknown", Kind(9).String())
}
