package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroprep/internal/models"
	"neuroprep/pkg/biasfield"
	"neuroprep/pkg/nifti"
)

// slabPhantom writes a three-slab T1-like image and an all-ones brain
// mask. The bottom slab is darkest, so it segments as CSF; voxels in
// its top plane sit next to brighter tissue and end up with CSF
// membership near 0.95, between the default threshold and 0.97.
func slabPhantom(t *testing.T, dir, name string, intensities [3]float64) {
	t.Helper()
	img := models.NewVolume(4, 4, 6)
	mask := models.NewVolume(4, 4, 6)
	for z := 0; z < 6; z++ {
		val := intensities[z/2]
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.Set(x, y, z, val)
				mask.Set(x, y, z, 1)
			}
		}
	}
	require.NoError(t, nifti.WriteVolume(filepath.Join(dir, name+"_img.nii"), img))
	require.NoError(t, nifti.WriteVolume(filepath.Join(dir, name+"_mask.nii"), mask))
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

// TestCSFMaskReadsConfig verifies that csf-mask picks its threshold up
// from the config file, and that an explicit flag still wins
func TestCSFMaskReadsConfig(t *testing.T) {
	dir := t.TempDir()
	slabPhantom(t, dir, "s", [3]float64{10, 100, 200})

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("csf:\n  threshold: 0.97\n"), 0644))

	imgPath := filepath.Join(dir, "s_img.nii")
	maskPath := filepath.Join(dir, "s_mask.nii")

	// Config threshold 0.97 drops the boundary plane of the dark slab
	strictOut := filepath.Join(dir, "strict.nii")
	require.NoError(t, run(t, "csf-mask",
		"--img", imgPath, "--mask", maskPath, "--output", strictOut,
		"--config", cfgPath))
	strict, err := nifti.ReadVolume(strictOut)
	require.NoError(t, err)
	assert.Equal(t, 1.0, strict.At(2, 2, 0))
	assert.Equal(t, 0.0, strict.At(2, 2, 1))

	// An explicit --threshold beats the config file
	looseOut := filepath.Join(dir, "loose.nii")
	require.NoError(t, run(t, "csf-mask",
		"--img", imgPath, "--mask", maskPath, "--output", looseOut,
		"--config", cfgPath, "--threshold", "0.9"))
	loose, err := nifti.ReadVolume(looseOut)
	require.NoError(t, err)
	assert.Equal(t, 1.0, loose.At(2, 2, 0))
	assert.Equal(t, 1.0, loose.At(2, 2, 1))
}

// TestCSFIntersectionReadsConfig verifies that csf-intersection picks
// the cohort proportion up from the config file, with flag override
func TestCSFIntersectionReadsConfig(t *testing.T) {
	imgDir := t.TempDir()
	maskDir := t.TempDir()
	outDir := t.TempDir()

	// Two images agree on the bottom slab, the third has its dark slab
	// in the middle
	orders := map[string][3]float64{
		"a": {10, 100, 200},
		"b": {100, 10, 200},
		"c": {10, 100, 200},
	}
	for name, order := range orders {
		img := models.NewVolume(4, 4, 6)
		mask := models.NewVolume(4, 4, 6)
		for z := 0; z < 6; z++ {
			val := order[z/2]
			for y := 0; y < 4; y++ {
				for x := 0; x < 4; x++ {
					img.Set(x, y, z, val)
					mask.Set(x, y, z, 1)
				}
			}
		}
		require.NoError(t, nifti.WriteVolume(filepath.Join(imgDir, name+".nii"), img))
		require.NoError(t, nifti.WriteVolume(filepath.Join(maskDir, name+".nii"), mask))
	}

	cfgPath := filepath.Join(outDir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("csf:\n  prob: 0.6\n"), 0644))

	// prob 0.6 needs floor(3 * 0.6) = 1 vote: the union of the masks
	unionOut := filepath.Join(outDir, "union.nii")
	require.NoError(t, run(t, "csf-intersection",
		"--img-dir", imgDir, "--mask-dir", maskDir, "--output", unionOut,
		"--config", cfgPath))
	union, err := nifti.ReadVolume(unionOut)
	require.NoError(t, err)
	assert.Equal(t, 1.0, union.At(2, 2, 0))
	assert.Equal(t, 1.0, union.At(2, 2, 2))
	assert.Equal(t, 0.0, union.At(2, 2, 4))

	// An explicit --prob beats the config file: unanimity empties it
	strictOut := filepath.Join(outDir, "strict.nii")
	require.NoError(t, run(t, "csf-intersection",
		"--img-dir", imgDir, "--mask-dir", maskDir, "--output", strictOut,
		"--config", cfgPath, "--prob", "1.0"))
	strict, err := nifti.ReadVolume(strictOut)
	require.NoError(t, err)
	for _, v := range strict.Data {
		assert.Equal(t, 0.0, v)
	}
}

// TestApplyN4Opts verifies the key=value option parser
func TestApplyN4Opts(t *testing.T) {
	opts := biasfield.DefaultOptions()
	require.NoError(t, applyN4Opts(&opts, []string{"maxIterations=7", "degree=2", "convergence=0.01"}))
	assert.Equal(t, 7, opts.MaxIterations)
	assert.Equal(t, 2, opts.Degree)
	assert.Equal(t, 0.01, opts.Convergence)

	assert.Error(t, applyN4Opts(&opts, []string{"degree"}))
	assert.Error(t, applyN4Opts(&opts, []string{"degree=x"}))
	assert.Error(t, applyN4Opts(&opts, []string{"spline=3"}))
}
