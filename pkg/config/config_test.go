package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies the built-in defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, [3]float64{1, 1, 1}, cfg.Preprocess.Resolution)
	assert.Equal(t, "RAI", cfg.Preprocess.Orientation)
	assert.Equal(t, 10, cfg.Preprocess.N4.MaxIterations)
	assert.Equal(t, 0.25, cfg.Segmentation.MRF)
	assert.Equal(t, 0.9, cfg.CSF.Threshold)
	assert.Equal(t, 1.0, cfg.CSF.Prob)
}

// TestLoadMissingFileReturnsDefaults verifies the absent-file path
func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

// TestLoadPartialOverride verifies that a file only overrides the
// keys it sets
func TestLoadPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("preprocess:\n  orientation: RAS\ncsf:\n  prob: 0.8\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "RAS", cfg.Preprocess.Orientation)
	assert.Equal(t, 0.8, cfg.CSF.Prob)
	// Untouched keys keep their defaults
	assert.Equal(t, [3]float64{1, 1, 1}, cfg.Preprocess.Resolution)
	assert.Equal(t, 0.9, cfg.CSF.Threshold)
}

// TestLoadRejectsMalformedYAML verifies parse errors surface
func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n\t- not yaml"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "parsing config")
}

// TestSaveLoadRoundTrip verifies persistence
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Preprocess.Resolution = [3]float64{0.5, 0.5, 2}
	cfg.Segmentation.MRF = 0.4

	require.NoError(t, SaveConfig(cfg, path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
