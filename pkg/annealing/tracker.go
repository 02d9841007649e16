// Package annealing drives global fiber tracking: it resolves the run
// parameters, lowers the sampler temperature along a geometric schedule and
// extracts fibers from the evolving particle population.
package annealing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gibbstrack/internal/models"
	"gibbstrack/pkg/energy"
	"gibbstrack/pkg/fibers"
	"gibbstrack/pkg/particles"
	"gibbstrack/pkg/sampler"
	"gibbstrack/pkg/sphere"
)

// Default model constants.
const (
	DefaultIterations          = 1000000
	DefaultStartTemperature    = 0.1
	DefaultEndTemperature      = 0.001
	DefaultMinFiberLength      = 10.0
	DefaultCurvatureThreshold  = 45.0
	DefaultConnectionPotential = 1.0
	DefaultParticlePotential   = 0.2

	// lengthFactor and widthFactor scale the smallest voxel spacing into the
	// automatic particle length and width
	lengthFactor = 1.5
	widthFactor  = 0.5
)

// Params holds the inputs and parameters of a tracking run.
type Params struct {
	// Field is the orientation field to track in
	Field *models.OrientationField

	// Mask restricts particles to active voxels. nil means every voxel.
	Mask *models.Mask

	// Interpolator maps directions to ODF values. When nil it is loaded from
	// LookupTablePath.
	Interpolator *sphere.Interpolator

	// LookupTablePath is the sphere interpolation table file
	LookupTablePath string

	// Iterations is the total number of proposals
	Iterations int

	// Steps is the number of temperature steps. 0 derives it from Iterations.
	Steps int

	// StartTemperature and EndTemperature bound the annealing schedule
	StartTemperature float64
	EndTemperature   float64

	// InexBalance shifts weight between the data term and the neighbourhood
	// term
	InexBalance float64

	// ParticleLength, ParticleWidth and ParticleWeight are derived from the
	// field when 0
	ParticleLength float64
	ParticleWidth  float64
	ParticleWeight float64

	// CurvatureThreshold is the largest bend allowed at a connection, in degrees
	CurvatureThreshold float64

	// ConnectionPotential is the reward of a perfectly aligned connection
	ConnectionPotential float64

	// ParticlePotential is the cost of a particle without data support
	ParticlePotential float64

	// MinFiberLength drops extracted fibers shorter than this many mm
	MinFiberLength float64

	// RandomSeed seeds the sampler. Negative values seed from the clock.
	RandomSeed int64

	// RunID names the run in logs and reports. Empty generates a UUID.
	RunID string

	// Logger receives run progress. The zero value discards everything.
	Logger zerolog.Logger

	// Progress is called after every temperature step
	Progress ProgressCallback
}

// DefaultParams returns parameters with the default schedule and model
// constants. Inputs still have to be filled in.
func DefaultParams() Params {
	return Params{
		Iterations:          DefaultIterations,
		StartTemperature:    DefaultStartTemperature,
		EndTemperature:      DefaultEndTemperature,
		CurvatureThreshold:  DefaultCurvatureThreshold,
		ConnectionPotential: DefaultConnectionPotential,
		ParticlePotential:   DefaultParticlePotential,
		MinFiberLength:      DefaultMinFiberLength,
		RandomSeed:          -1,
	}
}

// StepReport summarizes the state after one temperature step.
type StepReport struct {
	RunID           string
	Step            int
	Steps           int
	Temperature     float64
	Proposals       int
	AcceptanceRatio float64
	Vetoed          int
	Particles       int
	Connections     int
	Fibers          int
	PercentComplete float64

	// Tracks holds the fibers extracted at the end of the step. The slice is
	// shared with RequestFibers callers and must not be modified.
	Tracks []models.Fiber
}

// ProgressCallback receives a report after each temperature step. It runs on
// the annealing goroutine and should return quickly. RequestFibers may be
// called from it and returns the step's fibers.
type ProgressCallback func(report StepReport)

// Result describes a finished or cancelled run.
type Result struct {
	RunID string

	// Completed is false when the run was cancelled before its last step
	Completed bool

	StepsRun        int
	Steps           int
	Proposals       int
	AcceptanceRatio float64
	Vetoed          int
	Particles       int
	Connections     int
	Fibers          []models.Fiber

	ParticleLength float64
	ParticleWidth  float64
	ParticleWeight float64
	Seed           uint64

	// DegenerateLookups counts data-term evaluations in voxels without
	// directional contrast
	DegenerateLookups int

	Duration time.Duration
}

type fiberRequest struct {
	reply chan []models.Fiber
}

// Tracker runs global tracking. A Tracker performs one run at a time;
// RequestFibers may be called from any goroutine while it runs.
type Tracker struct {
	params Params
	log    zerolog.Logger

	requests chan fiberRequest

	mu      sync.Mutex
	done    chan struct{} // non-nil while Process runs
	builder *fibers.Builder
	result  Result

	// stepFibers is set while the progress callback runs; the grid does
	// not change until it returns
	stepFibers []models.Fiber
	inProgress bool
}

// NewTracker creates a tracker for the given parameters.
func NewTracker(params Params) *Tracker {
	return &Tracker{
		params:   params,
		log:      params.Logger,
		requests: make(chan fiberRequest),
	}
}

// Result returns the outcome of the last run.
func (t *Tracker) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// run bundles the resolved state of one Process call.
type run struct {
	id         string
	params     Params
	interp     *sphere.Interpolator
	stats      *energy.FieldStats
	steps      int
	seed       uint64
	curvatureC float64
}

// Process validates the parameters, anneals the particle population and
// extracts fibers after every step. Parameter problems are reported as
// *ConfigurationError before any sampling. Cancelling ctx stops the run at
// the next proposal boundary; that is not an error, and Result reports
// Completed=false with the fibers of the partial state.
func (t *Tracker) Process(ctx context.Context) error {
	r, err := t.prepare()
	if err != nil {
		return err
	}
	p := r.params

	grid := particles.NewGrid(p.Field.Extent(), p.ParticleLength)
	comp := energy.NewComputer(energy.Params{
		ParticleLength:      p.ParticleLength,
		ParticleWidth:       p.ParticleWidth,
		ParticleWeight:      p.ParticleWeight,
		InexBalance:         p.InexBalance,
		CurvatureThreshold:  r.curvatureC,
		ConnectionPotential: p.ConnectionPotential,
		ParticlePotential:   p.ParticlePotential,
	}, p.Field, p.Mask, r.interp, grid, r.stats)
	smp, err := sampler.New(grid, comp, p.Field, p.Mask, sampler.NewRandomSource(r.seed),
		sampler.Options{Temperature: p.StartTemperature})
	if err != nil {
		return configError("sampler setup", err)
	}
	builder := fibers.NewBuilder(grid, p.MinFiberLength)

	done := make(chan struct{})
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return errors.New("tracker is already running")
	}
	t.done = done
	t.builder = builder
	t.mu.Unlock()

	log := t.log.With().Str("run_id", r.id).Logger()
	log.Info().
		Int("iterations", p.Iterations).
		Int("steps", r.steps).
		Float64("temp_start", p.StartTemperature).
		Float64("temp_end", p.EndTemperature).
		Float64("particle_length", p.ParticleLength).
		Float64("particle_width", p.ParticleWidth).
		Float64("particle_weight", p.ParticleWeight).
		Uint64("seed", r.seed).
		Int("active_voxels", smp.ActiveVoxels()).
		Msg("starting global tracking")

	start := time.Now()
	res := Result{
		RunID:          r.id,
		Steps:          r.steps,
		ParticleLength: p.ParticleLength,
		ParticleWidth:  p.ParticleWidth,
		ParticleWeight: p.ParticleWeight,
		Seed:           r.seed,
	}

	var current []models.Fiber
	warned := false
	cancelled := false
	proposals := 0
	for step := 1; step <= r.steps && !cancelled; step++ {
		temp := Temperature(p.StartTemperature, p.EndTemperature, step, r.steps)
		if err := smp.SetTemperature(temp); err != nil {
			t.finish(done, res)
			return fmt.Errorf("step %d: %w", step, err)
		}

		n := proposalsInStep(p.Iterations, r.steps, step)
		for i := 0; i < n; i++ {
			if t.interrupted(ctx, builder) {
				cancelled = true
				break
			}
			out := smp.MakeProposal()
			if out.Err != nil {
				log.Error().Err(out.Err).Str("kind", out.Kind.String()).Msg("proposal could not be applied")
			}
			proposals++
		}
		if cancelled {
			break
		}

		current = builder.Build()
		res.StepsRun = step
		stats := smp.Stats()
		report := StepReport{
			RunID:           r.id,
			Step:            step,
			Steps:           r.steps,
			Temperature:     temp,
			Proposals:       proposals,
			AcceptanceRatio: stats.AcceptanceRatio(),
			Vetoed:          stats.TotalVetoed(),
			Particles:       grid.ParticleCount(),
			Connections:     grid.ConnectionCount(),
			Fibers:          len(current),
			PercentComplete: 100 * float64(proposals) / float64(p.Iterations),
			Tracks:          current,
		}
		log.Debug().
			Int("step", step).
			Float64("temperature", temp).
			Float64("acceptance", report.AcceptanceRatio).
			Int("particles", report.Particles).
			Int("connections", report.Connections).
			Int("fibers", report.Fibers).
			Msg("step finished")

		if !warned && comp.DegenerateLookups() > 0 {
			warned = true
			log.Warn().
				Int("lookups", comp.DegenerateLookups()).
				Msg("orientation field has no directional contrast in some voxels; using the neutral data energy there")
		}
		if p.Progress != nil {
			t.progress(p.Progress, report)
		}
	}

	if cancelled {
		current = builder.Build()
	}
	stats := smp.Stats()
	res.Completed = !cancelled
	res.Proposals = proposals
	res.AcceptanceRatio = stats.AcceptanceRatio()
	res.Vetoed = stats.TotalVetoed()
	res.Particles = grid.ParticleCount()
	res.Connections = grid.ConnectionCount()
	res.Fibers = current
	res.DegenerateLookups = comp.DegenerateLookups()
	res.Duration = time.Since(start)

	evt := log.Info()
	if cancelled {
		evt = log.Warn()
	}
	evt.Bool("completed", res.Completed).
		Int("steps_run", res.StepsRun).
		Int("particles", res.Particles).
		Int("connections", res.Connections).
		Int("fibers", len(res.Fibers)).
		Float64("acceptance", res.AcceptanceRatio).
		Dur("duration", res.Duration).
		Msg("global tracking finished")

	t.finish(done, res)
	return nil
}

// interrupted checks for cancellation and serves pending fiber requests. It
// is called between proposals, when the grid is consistent.
func (t *Tracker) interrupted(ctx context.Context, builder *fibers.Builder) bool {
	select {
	case <-ctx.Done():
		return true
	case req := <-t.requests:
		req.reply <- builder.Build()
		return ctx.Err() != nil
	default:
		return false
	}
}

// progress runs the callback with the step's fibers published, so that a
// RequestFibers call from inside it does not wait on the annealing loop.
func (t *Tracker) progress(cb ProgressCallback, report StepReport) {
	t.mu.Lock()
	t.stepFibers = report.Tracks
	t.inProgress = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.stepFibers = nil
		t.inProgress = false
		t.mu.Unlock()
	}()
	cb(report)
}

func (t *Tracker) finish(done chan struct{}, res Result) {
	t.mu.Lock()
	t.result = res
	t.done = nil
	t.mu.Unlock()
	close(done)
}

// RequestFibers returns the fibers of the current particle state. While a
// run is in progress the request is served by the annealing loop between
// two proposals, or from the step's fibers while the progress callback
// runs; otherwise the fibers of the last run's final state are built
// directly. Before the first run it returns nil.
func (t *Tracker) RequestFibers(ctx context.Context) ([]models.Fiber, error) {
	t.mu.Lock()
	done, builder := t.done, t.builder
	if done != nil && t.inProgress {
		f := t.stepFibers
		t.mu.Unlock()
		return f, nil
	}
	t.mu.Unlock()

	if done == nil {
		if builder == nil {
			return nil, nil
		}
		return builder.Build(), nil
	}

	req := fiberRequest{reply: make(chan []models.Fiber, 1)}
	select {
	case t.requests <- req:
	case <-done:
		return t.RequestFibers(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case f := <-req.reply:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepare validates the parameters and resolves every automatic value.
func (t *Tracker) prepare() (*run, error) {
	p := t.params

	if p.Field == nil {
		return nil, configError("no orientation field", nil)
	}
	if err := p.Field.Validate(); err != nil {
		return nil, configError("invalid orientation field", err)
	}
	if p.Mask != nil && !p.Mask.MatchesField(p.Field) {
		return nil, configError(fmt.Sprintf("mask is %dx%dx%d, field is %dx%dx%d",
			p.Mask.Width, p.Mask.Height, p.Mask.Depth, p.Field.Width, p.Field.Height, p.Field.Depth), nil)
	}

	interp := p.Interpolator
	if interp == nil {
		if p.LookupTablePath == "" {
			return nil, configError("no sphere interpolator or lookup table", nil)
		}
		loaded, err := sphere.Load(p.LookupTablePath)
		if err != nil {
			return nil, configError("sphere interpolation lookup table", err)
		}
		interp = loaded
	}
	if interp.NumDirections() != p.Field.NumDirections {
		return nil, configError(fmt.Sprintf("field has %d ODF directions, interpolator expects %d",
			p.Field.NumDirections, interp.NumDirections()), nil)
	}

	if p.Iterations <= 0 {
		return nil, configError("iterations must be positive", nil)
	}
	if !(p.StartTemperature > 0) || !(p.EndTemperature > 0) ||
		math.IsInf(p.StartTemperature, 0) || math.IsInf(p.EndTemperature, 0) {
		return nil, configError("temperatures must be positive", nil)
	}
	if p.EndTemperature > p.StartTemperature {
		return nil, configError("end temperature above start temperature", nil)
	}
	if p.CurvatureThreshold < 0 || p.CurvatureThreshold > 180 || math.IsNaN(p.CurvatureThreshold) {
		return nil, configError("curvature threshold must lie in [0, 180] degrees", nil)
	}
	if p.ParticleLength < 0 || p.ParticleWidth < 0 || p.ParticleWeight < 0 {
		return nil, configError("particle length, width and weight must not be negative", nil)
	}

	steps := p.Steps
	if steps <= 0 {
		steps = DeriveSteps(p.Iterations)
	}
	if steps > p.Iterations {
		return nil, configError("not enough iterations",
			fmt.Errorf("%d steps need at least %d iterations, have %d", steps, steps, p.Iterations))
	}

	spacing := p.Field.MinSpacing()
	if p.ParticleLength == 0 {
		p.ParticleLength = lengthFactor * spacing
	}
	if p.ParticleWidth == 0 {
		p.ParticleWidth = widthFactor * spacing
	}

	stats := energy.ComputeFieldStats(p.Field)
	if p.ParticleWeight == 0 {
		w, ok := energy.EstimateParticleWeight(p.Field, p.Mask, stats)
		if !ok {
			t.log.Warn().Msg("could not estimate the particle weight from the field, using 1")
			w = 1
		}
		p.ParticleWeight = w
	}

	id := p.RunID
	if id == "" {
		id = uuid.NewString()
	}
	seed := uint64(p.RandomSeed)
	if p.RandomSeed < 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &run{
		id:         id,
		params:     p,
		interp:     interp,
		stats:      stats,
		steps:      steps,
		seed:       seed,
		curvatureC: math.Cos(p.CurvatureThreshold * math.Pi / 180),
	}, nil
}
