package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gibbstrack/internal/models"
	"gibbstrack/internal/observability"
	"gibbstrack/pkg/annealing"
	"gibbstrack/pkg/config"
	"gibbstrack/pkg/diagplot"
	"gibbstrack/pkg/phantom"
	"gibbstrack/pkg/runstore"
	"gibbstrack/pkg/sphere"
)

// lutSubdivisions is the icosphere level of tables built by -build-lut.
const lutSubdivisions = 2

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Configuration file (.yaml, .toml or .gtp)")
	paramsPath := flag.String("params", "", "Global tracking parameter file (.gtp); its attributes override the configuration")
	lutPath := flag.String("lut", "", "Sphere interpolation lookup table")
	buildLUT := flag.Bool("build-lut", false, "Build the lookup table and save it to -lut before tracking")
	lutRes := flag.Int("lut-res", 0, "Cube-map face resolution of a built lookup table")
	phantomKind := flag.String("phantom", "", "Synthetic field: straight or crossing")
	size := flag.Int("size", 0, "Phantom edge length in voxels")
	iterations := flag.Int("iterations", 0, "Total number of proposals")
	seed := flag.Int64("seed", -1, "Random seed (negative seeds from the clock)")
	dbPath := flag.String("db", "", "sqlite database receiving run diagnostics")
	plotPath := flag.String("plot", "", "PNG file receiving the diagnostics chart")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	timeout := flag.Duration("timeout", 0, "Stop the run after this duration (0 = no limit)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *paramsPath != "" {
		if err := config.ApplyParameterFile(cfg, *paramsPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load parameter file: %v\n", err)
			os.Exit(1)
		}
	}

	// Explicit flags win over the configuration
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "lut":
			cfg.Input.LookupTable = *lutPath
		case "lut-res":
			cfg.Input.LookupTableResolution = *lutRes
		case "phantom":
			cfg.Input.Phantom = *phantomKind
		case "size":
			cfg.Input.PhantomSize = *size
		case "iterations":
			cfg.Tracking.Iterations = *iterations
		case "seed":
			cfg.Tracking.RandomSeed = *seed
		case "db":
			cfg.Output.Database = *dbPath
		case "plot":
			cfg.Output.Plot = *plotPath
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	logger := observability.InitLogger("gibbstrack", cfg.Output.Verbose)

	fmt.Println("================================")
	fmt.Println("GLOBAL FIBER TRACKING BY GIBBS SAMPLING AND SIMULATED ANNEALING")
	fmt.Println("================================")

	interp, err := loadInterpolator(cfg, *buildLUT, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("sphere interpolator unavailable")
	}

	field, mask, err := makePhantom(cfg, interp)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not create input field")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	params := cfg.TrackingParams()
	params.Field = field
	params.Mask = mask
	params.Interpolator = interp
	params.Logger = logger
	params.RunID = uuid.NewString()

	var store *runstore.Store
	if cfg.Output.Database != "" {
		store, err = runstore.Open(cfg.Output.Database)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Output.Database).Msg("failed to open run database")
		}
		defer store.Close()
		if err := store.RecordRun(runstore.NewRunRecord(params)); err != nil {
			logger.Error().Err(err).Msg("failed to record run")
		}
	}

	bar := newProgressBar()
	var reports []annealing.StepReport
	params.Progress = func(r annealing.StepReport) {
		reports = append(reports, r)
		if !cfg.Output.Verbose {
			bar.report(r)
		}
		if store != nil {
			if err := store.RecordStep(r); err != nil {
				logger.Error().Err(err).Int("step", r.Step).Msg("failed to record step")
			}
		}
	}

	tracker := annealing.NewTracker(params)
	fmt.Println("Starting global tracking...")
	startTime := time.Now()
	if err := tracker.Process(ctx); err != nil {
		var cfgErr *annealing.ConfigurationError
		if errors.As(err, &cfgErr) {
			logger.Fatal().Str("reason", cfgErr.Reason).Err(err).Msg("invalid tracking configuration")
		}
		logger.Fatal().Err(err).Msg("tracking failed")
	}
	processingTime := time.Since(startTime)
	res := tracker.Result()

	if store != nil {
		if err := store.FinishRun(res); err != nil {
			logger.Error().Err(err).Msg("failed to record run result")
		}
	}
	if cfg.Output.Plot != "" && len(reports) > 0 {
		files, err := diagplot.SaveRunChart(reports, cfg.Output.Plot)
		if err != nil {
			logger.Error().Err(err).Msg("failed to save diagnostics chart")
		} else {
			logger.Info().Strs("files", files).Msg("diagnostics chart saved")
		}
	}

	if res.Completed {
		fmt.Printf("\nTracking completed in %.2f seconds!\n", processingTime.Seconds())
	} else {
		fmt.Printf("\nTracking stopped after %d of %d steps (%.2f seconds).\n",
			res.StepsRun, res.Steps, processingTime.Seconds())
	}
	fmt.Printf("Run ID: %s\n\n", res.RunID)
	fmt.Printf("Results:\n")
	fmt.Printf("========\n")
	fmt.Printf("Acceptance ratio: %.4f\n", res.AcceptanceRatio)
	fmt.Printf("Particles: %d\n", res.Particles)
	fmt.Printf("Connections: %d\n", res.Connections)
	fmt.Printf("Fibers: %d\n", len(res.Fibers))
	fmt.Printf("Particle length/width/weight: %.3f mm / %.3f mm / %.5f\n",
		res.ParticleLength, res.ParticleWidth, res.ParticleWeight)
	if res.DegenerateLookups > 0 {
		fmt.Printf("Lookups without directional contrast: %d\n", res.DegenerateLookups)
	}
}

// loadInterpolator reads the lookup table, building and saving it first when
// requested.
func loadInterpolator(cfg *config.Config, build bool, logger zerolog.Logger) (*sphere.Interpolator, error) {
	path := cfg.Input.LookupTable
	if build {
		logger.Info().Str("path", path).Int("resolution", cfg.Input.LookupTableResolution).Msg("building sphere lookup table")
		interp, err := sphere.Build(sphere.Icosphere(lutSubdivisions), cfg.Input.LookupTableResolution)
		if err != nil {
			return nil, fmt.Errorf("failed to build lookup table: %w", err)
		}
		if err := interp.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save lookup table: %w", err)
		}
		return interp, nil
	}

	interp, err := sphere.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w (run with -build-lut to create it)", err)
	}
	return interp, nil
}

func makePhantom(cfg *config.Config, interp *sphere.Interpolator) (*models.OrientationField, *models.Mask, error) {
	opts := phantom.Options{
		Size:       cfg.Input.PhantomSize,
		Directions: interp.Directions(),
		Radius:     cfg.Input.MaskRadius,
	}
	if opts.Size <= 0 {
		return nil, nil, fmt.Errorf("phantom size must be positive, got %d", opts.Size)
	}

	switch cfg.Input.Phantom {
	case "straight":
		field, mask := phantom.StraightBundle(opts)
		return field, mask, nil
	case "crossing":
		field, mask := phantom.Crossing(opts)
		return field, mask, nil
	default:
		return nil, nil, fmt.Errorf("unknown phantom %q", cfg.Input.Phantom)
	}
}
