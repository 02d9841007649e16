package particles

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gibbstrack/internal/models"
)

func newTestGrid() *Grid {
	return NewGrid(models.Vec(10, 10, 10), 1.5)
}

func xParticle(x, y, z float64) Particle {
	return NewParticle(models.Vec(x, y, z), models.Vec(1, 0, 0))
}

func TestInsertAndRemove(t *testing.T) {
	t.Parallel()

	g := newTestGrid()
	a := g.Insert(xParticle(1, 1, 1))
	b := g.Insert(xParticle(2, 1, 1))
	require.NotEqual(t, InvalidHandle, a)
	require.NotEqual(t, InvalidHandle, b)
	assert.Equal(t, 2, g.ParticleCount())

	require.NoError(t, g.Connect(a, Plus, b, Minus, -0.5))
	assert.Equal(t, 1, g.ConnectionCount())

	// Removing a connected particle drops its connections first
	assert.True(t, g.Remove(a))
	assert.Equal(t, 1, g.ParticleCount())
	assert.Equal(t, 0, g.ConnectionCount())
	pb, ok := g.Particle(b)
	require.True(t, ok)
	assert.True(t, pb.Links[Minus].Free())

	assert.False(t, g.Remove(a), "double remove must fail")
	assert.Equal(t, [3]int{7, 7, 7}, g.Dims(), "10 mm domain in 1.5 mm buckets")
	require.NoError(t, g.Validate())

	// Freed handles are reused
	c := g.Insert(xParticle(3, 3, 3))
	assert.Equal(t, a, c)
	require.NoError(t, g.Validate())
}

func TestInsertOutsideDomain(t *testing.T) {
	t.Parallel()

	g := newTestGrid()
	for _, pos := range []models.Vector3{
		models.Vec(-0.1, 1, 1),
		models.Vec(1, 10, 1),
		models.Vec(1, 1, 42),
	} {
		assert.Equal(t, InvalidHandle, g.Insert(NewParticle(pos, models.Vec(0, 0, 1))))
	}
	assert.Equal(t, 0, g.ParticleCount())
	require.NoError(t, g.Validate())
}

func TestConnectRules(t *testing.T) {
	t.Parallel()

	g := newTestGrid()
	a := g.Insert(xParticle(1, 1, 1))
	b := g.Insert(xParticle(2.5, 1, 1))
	c := g.Insert(xParticle(4, 1, 1))

	require.NoError(t, g.Connect(a, Plus, b, Minus, -1))
	assert.ErrorIs(t, g.Connect(c, Minus, b, Minus, -1), ErrEndOccupied)
	assert.Error(t, g.Connect(a, Minus, a, Plus, -1))
	assert.ErrorIs(t, g.Connect(a, Minus, Handle(99), Plus, -1), ErrInvalidHandle)

	assert.ErrorIs(t, g.Disconnect(a, Plus, c, Minus), ErrNotConnected)
	require.NoError(t, g.SetLinkEnergy(b, Minus, -0.25))
	pa, _ := g.Particle(a)
	assert.Equal(t, -0.25, pa.Links[Plus].Energy)

	require.NoError(t, g.Disconnect(a, Plus, b, Minus))
	assert.Equal(t, 0, g.ConnectionCount())
	require.NoError(t, g.Validate())
}

func TestMoveRebuckets(t *testing.T) {
	t.Parallel()

	g := newTestGrid()
	h := g.Insert(xParticle(0.2, 0.2, 0.2))
	before := g.CellOf(h)

	assert.True(t, g.Move(h, models.Vec(8, 8, 8), models.Vec(0, 1, 0)))
	assert.NotEqual(t, before, g.CellOf(h))
	assert.False(t, g.Move(h, models.Vec(11, 8, 8), models.Vec(0, 1, 0)))

	p, _ := g.Particle(h)
	assert.Equal(t, models.Vec(8, 8, 8), p.Position)
	require.NoError(t, g.Validate())
}

func TestQueryNeighbors(t *testing.T) {
	t.Parallel()

	g := newTestGrid()
	center := g.Insert(xParticle(5, 5, 5))
	near := g.Insert(xParticle(5.5, 5.5, 5.5))
	edge := g.Insert(xParticle(6.5, 5, 5))
	far := g.Insert(xParticle(8, 8, 8))

	found := g.QueryNeighbors(models.Vec(5, 5, 5), 1.5)
	assert.ElementsMatch(t, []Handle{center, near, edge}, found)
	assert.NotContains(t, found, far)

	// A radius wider than one bucket widens the scanned block
	assert.Contains(t, g.QueryNeighbors(models.Vec(5, 5, 5), 5.3), far)
	assert.Len(t, g.NeighborCells(models.Vec(5, 5, 5), 1.5), 27)
	assert.Less(t, len(g.NeighborCells(models.Vec(0.1, 0.1, 0.1), 1.5)), 27)
}

// Every live particle sits in exactly one bucket, and that bucket is among the
// ones scanned by a one-length query at its own position.
func TestBucketMembershipProperty(t *testing.T) {
	t.Parallel()

	g := newTestGrid()
	rng := rand.New(rand.NewPCG(7, 11))
	handles := make([]Handle, 0, 500)
	for i := 0; i < 500; i++ {
		pos := models.Vec(rng.Float64()*10, rng.Float64()*10, rng.Float64()*10)
		h := g.Insert(NewParticle(pos, models.Vec(0, 0, 1)))
		require.NotEqual(t, InvalidHandle, h)
		handles = append(handles, h)
	}

	// Churn: remove some, move others
	for i, h := range handles {
		switch i % 3 {
		case 0:
			g.Remove(h)
		case 1:
			g.Move(h, models.Vec(rng.Float64()*10, rng.Float64()*10, rng.Float64()*10), models.Vec(1, 0, 0))
		}
	}
	require.NoError(t, g.Validate())

	for _, h := range g.Handles() {
		p, ok := g.Particle(h)
		require.True(t, ok)

		cells := g.NeighborCells(p.Position, g.Length())
		assert.Contains(t, cells, g.CellOf(h))
		assert.Contains(t, g.QueryNeighbors(p.Position, g.Length()), h)

		owners := 0
		for _, bucket := range g.cells {
			if slices.Contains(bucket, h) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "particle %d", h)
	}
}

func TestHandlesStableOrder(t *testing.T) {
	t.Parallel()

	g := newTestGrid()
	for i := 0; i < 10; i++ {
		g.Insert(xParticle(float64(i)+0.5, 1, 1))
	}
	g.Remove(3)
	g.Remove(7)

	first := g.Handles()
	assert.True(t, slices.IsSorted(first))
	assert.Equal(t, first, g.Handles())
	assert.Len(t, first, 8)
}

func TestEndGeometry(t *testing.T) {
	t.Parallel()

	p := NewParticle(models.Vec(1, 1, 1), models.Vec(0, 0, 1))
	assert.Equal(t, models.Vec(1, 1, 0.25), p.EndPoint(Minus, 1.5))
	assert.Equal(t, models.Vec(1, 1, 1.75), p.EndPoint(Plus, 1.5))
	assert.Equal(t, models.Vec(0, 0, -1), p.Outward(Minus))
	assert.Equal(t, Plus, Minus.Other())
	assert.Equal(t, 0, p.Degree())
}

func BenchmarkQueryNeighbors(b *testing.B) {
	g := NewGrid(models.Vec(50, 50, 50), 1.5)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20000; i++ {
		g.Insert(NewParticle(models.Vec(rng.Float64()*50, rng.Float64()*50, rng.Float64()*50), models.Vec(1, 0, 0)))
	}
	buf := make([]Handle, 0, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf = g.AppendNeighbors(buf[:0], models.Vec(25, 25, 25), 1.5)
	}
}
