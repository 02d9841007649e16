package annealing

import "math"

const (
	// minSteps is the smallest number of temperature steps of a run
	minSteps = 10

	// proposalsPerStep is the iteration budget that earns one more step
	proposalsPerStep = 10000
)

// DeriveSteps returns the number of temperature steps for an iteration
// budget: one step per 10000 proposals, but never fewer than 10.
func DeriveSteps(iterations int) int {
	return max(minSteps, iterations/proposalsPerStep)
}

// Temperature returns the temperature of step (1-based) out of steps. The
// schedule is geometric: it starts at start on the first step and reaches end
// on the last.
func Temperature(start, end float64, step, steps int) float64 {
	if steps <= 1 || step <= 1 {
		return start
	}
	if step >= steps {
		return end
	}
	frac := float64(step-1) / float64(steps-1)
	return start * math.Exp(frac*math.Log(end/start))
}

// proposalsInStep spreads iterations over steps; the remainder goes to the
// first steps so the total is exact.
func proposalsInStep(iterations, steps, step int) int {
	n := iterations / steps
	if step-1 < iterations%steps {
		n++
	}
	return n
}
