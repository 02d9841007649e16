package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
)

// parameterFileVersion is written into the file_version attribute.
const parameterFileVersion = "0.1"

// parameterFile is the XML layout of a global tracking parameter file:
//
//	<global_tracking_parameter_file file_version="0.1">
//	  <parameter_set iterations="..." particle_length="..." .../>
//	</global_tracking_parameter_file>
//
// Attributes are kept as strings so that missing ones leave the current
// value untouched.
type parameterFile struct {
	XMLName      xml.Name     `xml:"global_tracking_parameter_file"`
	FileVersion  string       `xml:"file_version,attr"`
	ParameterSet parameterSet `xml:"parameter_set"`
}

type parameterSet struct {
	Iterations         string `xml:"iterations,attr"`
	ParticleLength     string `xml:"particle_length,attr"`
	ParticleWidth      string `xml:"particle_width,attr"`
	ParticleWeight     string `xml:"particle_weight,attr"`
	StartTemperature   string `xml:"temp_start,attr"`
	EndTemperature     string `xml:"temp_end,attr"`
	InexBalance        string `xml:"inexbalance,attr"`
	FiberLength        string `xml:"fiber_length,attr"`
	CurvatureThreshold string `xml:"curvature_threshold,attr"`
}

// LoadParameterFile reads a .gtp file on top of the default configuration.
func LoadParameterFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyParameterFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyParameterFile overrides the tracking settings of cfg with the
// attributes present in a .gtp file. Settings the file does not carry, such
// as the seed or the step count, keep their value. cfg is left untouched on
// error.
func ApplyParameterFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading parameter file: %w", err)
	}
	tracking := cfg.Tracking
	if err := decodeParameterFile(data, &tracking); err != nil {
		return fmt.Errorf("error parsing parameter file %s: %w", path, err)
	}
	cfg.Tracking = tracking
	return nil
}

// SaveParameterFile writes the tracking section of cfg as a .gtp file.
func SaveParameterFile(cfg *Config, path string) error {
	data, err := encodeParameterFile(&cfg.Tracking)
	if err != nil {
		return fmt.Errorf("error marshaling parameter file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing parameter file: %w", err)
	}
	return nil
}

func decodeParameterFile(data []byte, t *TrackingConfig) error {
	var pf parameterFile
	if err := xml.Unmarshal(data, &pf); err != nil {
		return err
	}
	ps := pf.ParameterSet

	if ps.Iterations != "" {
		n, err := strconv.ParseUint(ps.Iterations, 10, 63)
		if err != nil {
			return fmt.Errorf("iterations: %w", err)
		}
		t.Iterations = int(n)
	}

	floats := []struct {
		name  string
		value string
		dst   *float64
	}{
		{"particle_length", ps.ParticleLength, &t.ParticleLength},
		{"particle_width", ps.ParticleWidth, &t.ParticleWidth},
		{"particle_weight", ps.ParticleWeight, &t.ParticleWeight},
		{"temp_start", ps.StartTemperature, &t.StartTemperature},
		{"temp_end", ps.EndTemperature, &t.EndTemperature},
		{"inexbalance", ps.InexBalance, &t.InexBalance},
		{"fiber_length", ps.FiberLength, &t.MinFiberLength},
		{"curvature_threshold", ps.CurvatureThreshold, &t.CurvatureThreshold},
	}
	for _, f := range floats {
		if f.value == "" {
			continue
		}
		v, err := strconv.ParseFloat(f.value, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

func encodeParameterFile(t *TrackingConfig) ([]byte, error) {
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	pf := parameterFile{
		FileVersion: parameterFileVersion,
		ParameterSet: parameterSet{
			Iterations:         strconv.Itoa(t.Iterations),
			ParticleLength:     format(t.ParticleLength),
			ParticleWidth:      format(t.ParticleWidth),
			ParticleWeight:     format(t.ParticleWeight),
			StartTemperature:   format(t.StartTemperature),
			EndTemperature:     format(t.EndTemperature),
			InexBalance:        format(t.InexBalance),
			FiberLength:        format(t.MinFiberLength),
			CurvatureThreshold: format(t.CurvatureThreshold),
		},
	}
	out, err := xml.MarshalIndent(pf, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
