package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1000000, cfg.Tracking.Iterations)
	assert.Equal(t, 0.1, cfg.Tracking.StartTemperature)
	assert.Equal(t, 0.001, cfg.Tracking.EndTemperature)
	assert.Equal(t, 45.0, cfg.Tracking.CurvatureThreshold)
	assert.Equal(t, 10.0, cfg.Tracking.MinFiberLength)
	assert.Equal(t, int64(-1), cfg.Tracking.RandomSeed)
	assert.Zero(t, cfg.Tracking.ParticleLength, "length is automatic by default")
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	for _, name := range []string{"missing.yaml", "missing.toml", "missing.gtp"} {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), name))
		require.NoError(t, err, name)
		if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
			t.Errorf("%s: defaults differ (-want +got):\n%s", name, diff)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracking.Iterations = 250000
	cfg.Tracking.ParticleLength = 1.2
	cfg.Tracking.InexBalance = -1.5
	cfg.Input.Phantom = "crossing"
	cfg.Output.Database = "runs.db"
	cfg.Output.Verbose = true

	for _, name := range []string{"cfg.yaml", "cfg.yml", "cfg.toml"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		require.NoError(t, SaveConfig(cfg, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		if diff := cmp.Diff(cfg, loaded); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestParameterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.gtp")
	content := `<?xml version="1.0" ?>
<global_tracking_parameter_file file_version="0.1">
    <parameter_set iterations="5000000" particle_length="0" particle_width="0" particle_weight="0.0003" temp_start="0.1" temp_end="0.001" inexbalance="0" fiber_length="20" curvature_threshold="45" />
</global_tracking_parameter_file>
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadParameterFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5000000, cfg.Tracking.Iterations)
	assert.Equal(t, 0.0003, cfg.Tracking.ParticleWeight)
	assert.Equal(t, 20.0, cfg.Tracking.MinFiberLength)
	assert.Equal(t, 45.0, cfg.Tracking.CurvatureThreshold)

	// LoadConfig picks the format from the extension
	viaLoad, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, viaLoad)

	// Saving and reloading keeps the tracking section
	out := filepath.Join(t.TempDir(), "out.gtp")
	require.NoError(t, SaveParameterFile(cfg, out))
	again, err := LoadParameterFile(out)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg.Tracking, again.Tracking); diff != "" {
		t.Errorf("parameter file round trip (-want +got):\n%s", diff)
	}
}

func TestParameterFileMissingAttributesKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.gtp")
	content := `<global_tracking_parameter_file><parameter_set iterations="1234"/></global_tracking_parameter_file>`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadParameterFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.Tracking.Iterations)
	assert.Equal(t, DefaultConfig().Tracking.StartTemperature, cfg.Tracking.StartTemperature)
}

func TestApplyParameterFileKeepsOtherSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.gtp")
	content := `<global_tracking_parameter_file file_version="0.1">
  <parameter_set iterations="5000" curvature_threshold="30"/>
</global_tracking_parameter_file>`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := DefaultConfig()
	cfg.Tracking.RandomSeed = 42
	cfg.Tracking.Steps = 25
	cfg.Tracking.ConnectionPotential = 3
	cfg.Tracking.StartTemperature = 0.5

	require.NoError(t, ApplyParameterFile(cfg, path))
	assert.Equal(t, 5000, cfg.Tracking.Iterations)
	assert.Equal(t, 30.0, cfg.Tracking.CurvatureThreshold)
	assert.Equal(t, int64(42), cfg.Tracking.RandomSeed)
	assert.Equal(t, 25, cfg.Tracking.Steps)
	assert.Equal(t, 3.0, cfg.Tracking.ConnectionPotential)
	assert.Equal(t, 0.5, cfg.Tracking.StartTemperature)

	bad := filepath.Join(t.TempDir(), "bad.gtp")
	require.NoError(t, os.WriteFile(bad, []byte(`<global_tracking_parameter_file><parameter_set iterations="7" temp_start="hot"/></global_tracking_parameter_file>`), 0644))
	before := cfg.Tracking
	assert.Error(t, ApplyParameterFile(cfg, bad))
	assert.Equal(t, before, cfg.Tracking, "failed apply must not change the configuration")
}

func TestParameterFileErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.gtp")
	require.NoError(t, os.WriteFile(bad, []byte(`<global_tracking_parameter_file><parameter_set temp_start="hot"/></global_tracking_parameter_file>`), 0644))
	_, err := LoadParameterFile(bad)
	assert.ErrorContains(t, err, "temp_start")

	_, err = LoadParameterFile(filepath.Join(dir, "absent.gtp"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "config.json"))
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestTrackingParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracking.Iterations = 42000
	cfg.Tracking.CurvatureThreshold = 30
	cfg.Input.LookupTable = "table.lut"

	p := cfg.TrackingParams()
	assert.Equal(t, 42000, p.Iterations)
	assert.Equal(t, 30.0, p.CurvatureThreshold)
	assert.Equal(t, "table.lut", p.LookupTablePath)
	assert.Equal(t, int64(-1), p.RandomSeed)
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gibbstrack.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
