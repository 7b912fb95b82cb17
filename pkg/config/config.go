// Package config provides configuration loading and management for
// ctprep. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ctprep/pkg/mask"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Dataset parameters
	Dataset struct {
		// InputDir holds the raw scans and their annotation JSON files
		InputDir string `yaml:"inputDir"`

		// OutputDir receives the scans/ and masks/ subdirectories
		OutputDir string `yaml:"outputDir"`

		// MaxDepth is the exclusive upper bound on scan depth (voxels)
		// when selecting among multiple scans for one annotation record
		MaxDepth int `yaml:"maxDepth"`
	} `yaml:"dataset"`

	// Mask synthesis parameters
	Mask struct {
		// ThresholdHU is the intensity cutoff in Hounsfield units
		ThresholdHU float64 `yaml:"thresholdHU"`

		// CubeSide is the side, in voxels, of the dilation cube marked
		// around each annotated coordinate
		CubeSide int `yaml:"cubeSide"`

		// ClearBorders removes threshold components touching each
		// axial slice border before the intersection
		ClearBorders bool `yaml:"clearBorders"`

		// OutOfGridPolicy is "clamp" or "drop" for annotation points
		// mapping outside the voxel grid
		OutOfGridPolicy string `yaml:"outOfGridPolicy"`
	} `yaml:"mask"`

	// Crop parameters
	Crop struct {
		// Factor scales the mean of each axis profile to form the
		// crop cutoff
		Factor float64 `yaml:"factor"`
	} `yaml:"crop"`

	// Processing parameters
	Processing struct {
		// Workers is the number of patient cases processed at once;
		// cases are independent of each other
		Workers int `yaml:"workers"`
	} `yaml:"processing"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Dataset.MaxDepth = 400

	cfg.Mask.ThresholdHU = mask.DefaultThresholdHU
	cfg.Mask.CubeSide = 10
	cfg.Mask.ClearBorders = true
	cfg.Mask.OutOfGridPolicy = "clamp"

	cfg.Crop.Factor = 2.0

	cfg.Processing.Workers = 1

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
