package resample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroprep/internal/models"
)

func gradientVolume(nx, ny, nz int) *models.Volume {
	v := models.NewVolume(nx, ny, nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v.Set(x, y, z, float64(x+10*y+100*z))
			}
		}
	}
	return v
}

// TestResampleIdentity verifies that resampling to the current
// resolution preserves grid and data
func TestResampleIdentity(t *testing.T) {
	v := gradientVolume(4, 5, 6)

	out, err := Resample(v, [3]float64{1, 1, 1})
	require.NoError(t, err)

	assert.Equal(t, v.Nx, out.Nx)
	assert.Equal(t, v.Ny, out.Ny)
	assert.Equal(t, v.Nz, out.Nz)
	assert.InDeltaSlice(t, v.Data, out.Data, 1e-9)
}

// TestResampleDownsample verifies grid dimensions and affine scaling
// when halving the resolution
func TestResampleDownsample(t *testing.T) {
	v := gradientVolume(8, 8, 8)

	out, err := Resample(v, [3]float64{2, 2, 2})
	require.NoError(t, err)

	assert.Equal(t, 4, out.Nx)
	assert.Equal(t, 4, out.Ny)
	assert.Equal(t, 4, out.Nz)
	assert.Equal(t, [3]float64{2, 2, 2}, out.VoxelSize)

	// Affine columns double so world coordinates are preserved
	assert.InDelta(t, 2.0, out.Affine[0][0], 1e-9)
	assert.InDelta(t, 2.0, out.Affine[1][1], 1e-9)
	assert.InDelta(t, 2.0, out.Affine[2][2], 1e-9)

	// Voxel (1,1,1) in the output samples (2,2,2) in the source
	assert.InDelta(t, v.At(2, 2, 2), out.At(1, 1, 1), 1e-9)
}

// TestResampleRejectsBadResolution verifies validation
func TestResampleRejectsBadResolution(t *testing.T) {
	v := gradientVolume(4, 4, 4)
	_, err := Resample(v, [3]float64{1, 0, 1})
	assert.Error(t, err)

	_, err = Resample(v, [3]float64{1, 1, -2})
	assert.Error(t, err)
}

// TestResampleBinaryStaysBinary verifies mask resampling
func TestResampleBinaryStaysBinary(t *testing.T) {
	v := models.NewVolume(8, 8, 8)
	for z := 0; z < 4; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				v.Set(x, y, z, 1)
			}
		}
	}

	out, err := ResampleBinary(v, [3]float64{2, 2, 2})
	require.NoError(t, err)
	for _, val := range out.Data {
		assert.Contains(t, []float64{0, 1}, val)
	}
}

// TestOrientationOf verifies orientation derivation from the affine
func TestOrientationOf(t *testing.T) {
	v := models.NewVolume(4, 4, 4)
	assert.Equal(t, "RAS", OrientationOf(v))

	v.Affine[2][2] = -1
	assert.Equal(t, "RAI", OrientationOf(v))

	v.Affine[0][0] = -1
	assert.Equal(t, "LAI", OrientationOf(v))
}

// TestReorient verifies axis flipping with affine update
func TestReorient(t *testing.T) {
	v := gradientVolume(2, 3, 4)

	out, err := Reorient(v, "RAI")
	require.NoError(t, err)

	assert.Equal(t, "RAI", OrientationOf(out))
	assert.Equal(t, v.Nx, out.Nx)
	assert.Equal(t, v.Ny, out.Ny)
	assert.Equal(t, v.Nz, out.Nz)

	// z axis reversed: the first output slice is the last input slice
	assert.Equal(t, v.At(0, 0, v.Nz-1), out.At(0, 0, 0))

	// World coordinate of a voxel is unchanged: voxel (0,0,0) of the
	// output maps to z = Nz-1 in the source frame
	assert.InDelta(t, float64(v.Nz-1), out.Affine[2][3], 1e-9)
}

// TestReorientInvolution verifies that reorienting back recovers the
// original volume
func TestReorientInvolution(t *testing.T) {
	v := gradientVolume(3, 4, 5)

	flipped, err := Reorient(v, "LPI")
	require.NoError(t, err)
	back, err := Reorient(flipped, "RAS")
	require.NoError(t, err)

	assert.Equal(t, v.Nx, back.Nx)
	assert.InDeltaSlice(t, v.Data, back.Data, 1e-9)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, v.Affine[i][j], back.Affine[i][j], 1e-9)
		}
	}
}

// TestReorientPermutation verifies axis permutation codes
func TestReorientPermutation(t *testing.T) {
	v := gradientVolume(2, 3, 4)

	out, err := Reorient(v, "ARS")
	require.NoError(t, err)

	// x axis now runs anterior, fed by the source y axis
	assert.Equal(t, 3, out.Nx)
	assert.Equal(t, 2, out.Ny)
	assert.Equal(t, 4, out.Nz)
	assert.Equal(t, "ARS", OrientationOf(out))
	assert.Equal(t, v.At(1, 2, 3), out.At(2, 1, 3))
}

// TestReorientRejectsInvalidCodes verifies code validation
func TestReorientRejectsInvalidCodes(t *testing.T) {
	v := gradientVolume(2, 2, 2)

	for _, code := range []string{"", "RA", "RAIX", "XYZ", "RRA", "RLS"} {
		_, err := Reorient(v, code)
		assert.Error(t, err, "code %q should be rejected", code)
	}
}

// TestReorientNoop verifies reorienting to the current orientation
func TestReorientNoop(t *testing.T) {
	v := gradientVolume(3, 3, 3)

	out, err := Reorient(v, "RAS")
	require.NoError(t, err)
	assert.InDeltaSlice(t, v.Data, out.Data, 1e-9)
}
