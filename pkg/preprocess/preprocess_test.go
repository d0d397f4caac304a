package preprocess

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"neuroprep/internal/models"
	"neuroprep/pkg/nifti"
)

// writeDataset writes a small cohort of biased 2mm-resolution images
// plus full brain masks and returns the directories.
func writeDataset(t *testing.T, names []string) (imgDir, maskDir string) {
	t.Helper()
	imgDir = t.TempDir()
	maskDir = t.TempDir()

	for _, name := range names {
		img := models.NewVolume(8, 8, 8)
		mask := models.NewVolume(8, 8, 8)
		img.VoxelSize = [3]float64{2, 2, 2}
		img.Affine = models.DefaultAffine(img.VoxelSize)
		mask.VoxelSize = img.VoxelSize
		mask.Affine = img.Affine
		for z := 0; z < 8; z++ {
			for y := 0; y < 8; y++ {
				for x := 0; x < 8; x++ {
					xn := 2*float64(x)/7 - 1
					img.Set(x, y, z, 100*math.Exp(0.3*xn))
					mask.Set(x, y, z, 1)
				}
			}
		}
		require.NoError(t, nifti.WriteVolume(filepath.Join(imgDir, name), img))
		require.NoError(t, nifti.WriteVolume(filepath.Join(maskDir, name), mask))
	}
	return imgDir, maskDir
}

// TestRunProducesResampledOutputs verifies the full chain on a tiny
// dataset: outputs exist under the input filenames, on the requested
// grid and orientation
func TestRunProducesResampledOutputs(t *testing.T) {
	imgDir, maskDir := writeDataset(t, []string{"s1.nii.gz", "s2.nii"})
	outDir := filepath.Join(t.TempDir(), "out")

	params := DefaultParams()
	params.ImgDir = imgDir
	params.MaskDir = maskDir
	params.OutDir = outDir
	params.N4.Degree = 2

	require.NoError(t, New(params, zap.NewNop()).Run())

	for _, name := range []string{"s1.nii.gz", "s2.nii"} {
		out, err := nifti.ReadVolume(filepath.Join(outDir, name))
		require.NoError(t, err, name)

		// 8 voxels at 2mm resampled to 1mm
		assert.Equal(t, 16, out.Nx)
		assert.Equal(t, 16, out.Ny)
		assert.Equal(t, 16, out.Nz)
		assert.Equal(t, [3]float64{1, 1, 1}, out.VoxelSize)

		// Default output orientation is RAI: z column negated
		assert.Less(t, out.Affine[2][2], 0.0)

		// The brain mask follows the image onto the new grid, still
		// binary
		outMask, err := nifti.ReadVolume(filepath.Join(outDir, "masks", name))
		require.NoError(t, err, name)
		assert.Equal(t, 16, outMask.Nx)
		assert.Equal(t, 16, outMask.Ny)
		assert.Equal(t, 16, outMask.Nz)
		for _, v := range outMask.Data {
			assert.Contains(t, []float64{0, 1}, v)
		}
	}
}

// TestRunReducesBias verifies the correction takes effect end to end
func TestRunReducesBias(t *testing.T) {
	imgDir, maskDir := writeDataset(t, []string{"s1.nii"})
	outDir := t.TempDir()

	params := DefaultParams()
	params.ImgDir = imgDir
	params.MaskDir = maskDir
	params.OutDir = outDir
	params.Resolution = [3]float64{2, 2, 2} // keep the grid
	params.N4.Degree = 2

	require.NoError(t, New(params, zap.NewNop()).Run())

	out, err := nifti.ReadVolume(filepath.Join(outDir, "s1.nii"))
	require.NoError(t, err)

	// The input runs 100*exp(-0.3) to 100*exp(0.3) along x; after
	// correction the spread across the x extremes must shrink
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range out.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	assert.Less(t, hi/lo, 1.2, "residual intensity ratio")
}

// TestRunRequiresDirectories verifies parameter validation
func TestRunRequiresDirectories(t *testing.T) {
	err := New(DefaultParams(), zap.NewNop()).Run()
	assert.ErrorContains(t, err, "required")
}

// TestRunFailsOnUnpairedMask verifies that a missing mask aborts the
// run instead of skipping the image
func TestRunFailsOnUnpairedMask(t *testing.T) {
	imgDir, maskDir := writeDataset(t, []string{"s1.nii", "s2.nii"})

	// Remove one mask by pointing at a directory with a single file
	soleMaskDir := t.TempDir()
	mask, err := nifti.ReadVolume(filepath.Join(maskDir, "s1.nii"))
	require.NoError(t, err)
	require.NoError(t, nifti.WriteVolume(filepath.Join(soleMaskDir, "s1.nii"), mask))

	params := DefaultParams()
	params.ImgDir = imgDir
	params.MaskDir = soleMaskDir
	params.OutDir = t.TempDir()

	err = New(params, zap.NewNop()).Run()
	assert.ErrorContains(t, err, "pairing failed")
}

// TestRunProgressLogging verifies one progress entry per image, in
// lexicographic order
func TestRunProgressLogging(t *testing.T) {
	imgDir, maskDir := writeDataset(t, []string{"b.nii", "a.nii", "c.nii"})

	params := DefaultParams()
	params.ImgDir = imgDir
	params.MaskDir = maskDir
	params.OutDir = t.TempDir()
	params.N4.Degree = 1
	params.Resolution = [3]float64{2, 2, 2}

	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, New(params, zap.New(core)).Run())

	entries := logs.All()
	require.Len(t, entries, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Contains(t, entries[i].Message, fmt.Sprintf("image %s (%d/3)", want, i+1))
	}
}
