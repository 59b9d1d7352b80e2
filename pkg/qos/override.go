package qos

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PresetOverride holds the subset of a Preset an operator may tune
// from a YAML file (config.Config.QosPresetFile) without recompiling,
// for site-specific tuning of one named mode rather than picking
// between the seven built-in presets.
type PresetOverride struct {
	Mode              string  `yaml:"mode"`
	TargetBitrateKbps *int    `yaml:"target_bitrate_kbps"`
	MinBitrateKbps    *int    `yaml:"min_bitrate_kbps"`
	MaxBitrateKbps    *int    `yaml:"max_bitrate_kbps"`
	TargetFPS         *int    `yaml:"target_fps"`
	MinFEC            *float64 `yaml:"min_fec"`
	MaxFEC            *float64 `yaml:"max_fec"`
	JitterBufferMs    *int    `yaml:"jitter_buffer_ms"`
}

// LoadPresetOverrides reads a YAML file of preset overrides keyed by
// gaming mode name, in the same "read whole file, unmarshal into a
// typed struct" style the teacher's cloudflare client config used for
// its own YAML-ish credential loading.
func LoadPresetOverrides(path string) ([]PresetOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset override file: %w", err)
	}
	var overrides []PresetOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse preset override file: %w", err)
	}
	return overrides, nil
}

// Apply merges a non-nil override field onto base and returns the
// result, leaving base untouched.
func (o PresetOverride) Apply(base Preset) Preset {
	result := base
	if o.TargetBitrateKbps != nil {
		result.TargetBitrateKbps = *o.TargetBitrateKbps
	}
	if o.MinBitrateKbps != nil {
		result.MinBitrateKbps = *o.MinBitrateKbps
	}
	if o.MaxBitrateKbps != nil {
		result.MaxBitrateKbps = *o.MaxBitrateKbps
	}
	if o.TargetFPS != nil {
		result.TargetFPS = *o.TargetFPS
	}
	if o.MinFEC != nil {
		result.MinFEC = *o.MinFEC
	}
	if o.MaxFEC != nil {
		result.MaxFEC = *o.MaxFEC
	}
	if o.JitterBufferMs != nil {
		result.JitterBufferMs = *o.JitterBufferMs
	}
	return result
}

// GetPresetWithOverrides resolves the named mode's built-in preset and
// applies the first matching override found in overrides, if any.
func GetPresetWithOverrides(mode GamingMode, overrides []PresetOverride) Preset {
	preset := GetPreset(mode)
	for _, o := range overrides {
		if GamingMode(o.Mode) == mode {
			return o.Apply(preset)
		}
	}
	return preset
}
