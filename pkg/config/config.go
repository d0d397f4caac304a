// Package config provides configuration loading and management for
// neuroprep. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Preprocessing parameters
	Preprocess struct {
		// Resolution is the target voxel resolution in mm
		Resolution [3]float64 `yaml:"resolution"`

		// Orientation is the anatomical orientation code of the
		// preprocessed images
		Orientation string `yaml:"orientation"`

		// N4 controls the bias field correction
		N4 struct {
			// MaxIterations bounds the fit-and-correct loop
			MaxIterations int `yaml:"maxIterations"`

			// Convergence is the relative field-change stop criterion
			Convergence float64 `yaml:"convergence"`

			// Degree is the polynomial degree of the field model
			Degree int `yaml:"degree"`
		} `yaml:"n4"`
	} `yaml:"preprocess"`

	// Segmentation parameters
	Segmentation struct {
		// MRF is the Markov random field smoothness weight
		MRF float64 `yaml:"mrf"`

		// MaxIterations bounds the fuzzy means update loop
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"segmentation"`

	// CSF mask parameters
	CSF struct {
		// Threshold is the membership cutoff for binary CSF masks
		Threshold float64 `yaml:"threshold"`

		// Prob is the cohort agreement proportion for mask
		// intersection
		Prob float64 `yaml:"prob"`
	} `yaml:"csf"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Preprocess.Resolution = [3]float64{1, 1, 1}
	cfg.Preprocess.Orientation = "RAI"
	cfg.Preprocess.N4.MaxIterations = 10
	cfg.Preprocess.N4.Convergence = 0.001
	cfg.Preprocess.N4.Degree = 3

	cfg.Segmentation.MRF = 0.25
	cfg.Segmentation.MaxIterations = 50

	cfg.CSF.Threshold = 0.9
	cfg.CSF.Prob = 1.0

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
