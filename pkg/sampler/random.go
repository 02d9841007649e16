package sampler

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"

	"gibbstrack/internal/models"
)

// RandomSource is the randomness a sampler draws from. *rand.Rand satisfies
// it; tests may substitute a scripted source.
type RandomSource interface {
	Float64() float64
	IntN(n int) int
	NormFloat64() float64
}

// NewRandomSource returns a PCG generator seeded from seed. The same seed
// always yields the same sequence.
func NewRandomSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// randomUnitVector draws a direction uniformly from the sphere.
func randomUnitVector(r RandomSource) models.Vector3 {
	for {
		v := normalVec(r)
		if r3.Norm2(v) > 0 {
			return models.Vector3(r3.Unit(v))
		}
	}
}

// gaussianOffset draws an isotropic normal vector with the given sigma.
func gaussianOffset(r RandomSource, sigma float64) models.Vector3 {
	return models.Vector3(r3.Scale(sigma, normalVec(r)))
}

func normalVec(r RandomSource) r3.Vec {
	return r3.Vec{X: r.NormFloat64(), Y: r.NormFloat64(), Z: r.NormFloat64()}
}
