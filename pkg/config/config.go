// Package config provides configuration loading and management for gibbstrack.
// Configuration can be stored as YAML, TOML or as a global tracking parameter
// file (.gtp); the format is picked from the file extension.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"gibbstrack/pkg/annealing"
)

// TrackingConfig holds the annealing schedule and the energy model constants.
type TrackingConfig struct {
	// Iterations is the total number of sampler proposals
	Iterations int `yaml:"iterations" toml:"iterations"`

	// Steps is the number of temperature steps; 0 derives it from Iterations
	Steps int `yaml:"steps" toml:"steps"`

	// ParticleLength, ParticleWidth and ParticleWeight are estimated from the
	// data when 0
	ParticleLength float64 `yaml:"particleLength" toml:"particle_length"`
	ParticleWidth  float64 `yaml:"particleWidth" toml:"particle_width"`
	ParticleWeight float64 `yaml:"particleWeight" toml:"particle_weight"`

	// StartTemperature and EndTemperature bound the annealing schedule
	StartTemperature float64 `yaml:"tempStart" toml:"temp_start"`
	EndTemperature   float64 `yaml:"tempEnd" toml:"temp_end"`

	// InexBalance shifts weight between the data and neighbourhood terms
	InexBalance float64 `yaml:"inexBalance" toml:"inexbalance"`

	// MinFiberLength drops shorter fibers, in mm
	MinFiberLength float64 `yaml:"fiberLength" toml:"fiber_length"`

	// CurvatureThreshold is the largest bend at a connection, in degrees
	CurvatureThreshold float64 `yaml:"curvatureThreshold" toml:"curvature_threshold"`

	ConnectionPotential float64 `yaml:"connectionPotential" toml:"connection_potential"`
	ParticlePotential   float64 `yaml:"particlePotential" toml:"particle_potential"`

	// RandomSeed seeds the sampler; negative seeds from the clock
	RandomSeed int64 `yaml:"randomSeed" toml:"random_seed"`
}

// InputConfig names the tracking inputs.
type InputConfig struct {
	// LookupTable is the sphere interpolation table file
	LookupTable string `yaml:"lookupTable" toml:"lookup_table"`

	// LookupTableResolution is the cube-map face resolution used when the
	// table has to be built
	LookupTableResolution int `yaml:"lookupTableResolution" toml:"lookup_table_resolution"`

	// Phantom selects a synthetic field: "straight" or "crossing"
	Phantom string `yaml:"phantom" toml:"phantom"`

	// PhantomSize is the edge length of the phantom volume in voxels
	PhantomSize int `yaml:"phantomSize" toml:"phantom_size"`

	// MaskRadius is the radius of the spherical phantom mask in voxels
	MaskRadius float64 `yaml:"maskRadius" toml:"mask_radius"`
}

// OutputConfig controls what a run leaves behind.
type OutputConfig struct {
	// Database is the sqlite file receiving run and step records
	Database string `yaml:"database" toml:"database"`

	// Plot is the PNG file receiving the annealing diagnostics chart
	Plot string `yaml:"plot" toml:"plot"`

	// Verbose enables debug logging
	Verbose bool `yaml:"verbose" toml:"verbose"`
}

// Config represents the application configuration
type Config struct {
	Tracking TrackingConfig `yaml:"tracking" toml:"tracking"`
	Input    InputConfig    `yaml:"input" toml:"input"`
	Output   OutputConfig   `yaml:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Tracking.Iterations = annealing.DefaultIterations
	cfg.Tracking.StartTemperature = annealing.DefaultStartTemperature
	cfg.Tracking.EndTemperature = annealing.DefaultEndTemperature
	cfg.Tracking.MinFiberLength = annealing.DefaultMinFiberLength
	cfg.Tracking.CurvatureThreshold = annealing.DefaultCurvatureThreshold
	cfg.Tracking.ConnectionPotential = annealing.DefaultConnectionPotential
	cfg.Tracking.ParticlePotential = annealing.DefaultParticlePotential
	cfg.Tracking.RandomSeed = -1

	cfg.Input.LookupTable = "sphere.lut"
	cfg.Input.LookupTableResolution = 64
	cfg.Input.Phantom = "straight"
	cfg.Input.PhantomSize = 16
	cfg.Input.MaskRadius = 7

	return cfg
}

// TrackingParams converts the tracking section into annealing parameters.
// Inputs, logger and progress callback are left for the caller.
func (c *Config) TrackingParams() annealing.Params {
	t := c.Tracking
	p := annealing.DefaultParams()
	p.Iterations = t.Iterations
	p.Steps = t.Steps
	p.ParticleLength = t.ParticleLength
	p.ParticleWidth = t.ParticleWidth
	p.ParticleWeight = t.ParticleWeight
	p.StartTemperature = t.StartTemperature
	p.EndTemperature = t.EndTemperature
	p.InexBalance = t.InexBalance
	p.MinFiberLength = t.MinFiberLength
	p.CurvatureThreshold = t.CurvatureThreshold
	p.ConnectionPotential = t.ConnectionPotential
	p.ParticlePotential = t.ParticlePotential
	p.RandomSeed = t.RandomSeed
	p.LookupTablePath = c.Input.LookupTable
	return p
}

type format int

const (
	formatYAML format = iota
	formatTOML
	formatGTP
)

func formatOf(path string) (format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	case ".gtp":
		return formatGTP, nil
	default:
		return 0, fmt.Errorf("unsupported config format %q", ext)
	}
}

// LoadConfig loads configuration from a YAML, TOML or .gtp file.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	f, err := formatOf(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	switch f {
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	case formatTOML:
		_, err = toml.Decode(string(data), cfg)
	case formatGTP:
		err = decodeParameterFile(data, &cfg.Tracking)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration in the format named by the extension.
// A .gtp file only carries the tracking section.
func SaveConfig(cfg *Config, configPath string) error {
	f, err := formatOf(configPath)
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	switch f {
	case formatYAML:
		data, err = yaml.Marshal(cfg)
	case formatTOML:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	case formatGTP:
		data, err = encodeParameterFile(&cfg.Tracking)
	}
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
