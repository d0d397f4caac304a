// Package resample provides spatial transforms for volumes:
// resampling to a target voxel resolution and reorientation to an
// anatomical orientation code.
package resample

import (
	"fmt"
	"math"
	"strings"

	"neuroprep/internal/models"
)

// Resample returns a new volume interpolated onto a grid with the
// requested voxel resolution in mm, using trilinear interpolation.
// The affine is rescaled so the volume keeps its world position.
func Resample(v *models.Volume, resolution [3]float64) (*models.Volume, error) {
	for i, r := range resolution {
		if r <= 0 {
			return nil, fmt.Errorf("resolution must be positive, got %v at axis %d", r, i)
		}
	}

	scale := [3]float64{
		resolution[0] / v.VoxelSize[0],
		resolution[1] / v.VoxelSize[1],
		resolution[2] / v.VoxelSize[2],
	}

	nx := dimFor(v.Nx, scale[0])
	ny := dimFor(v.Ny, scale[1])
	nz := dimFor(v.Nz, scale[2])

	out := &models.Volume{
		Data:      make([]float64, nx*ny*nz),
		Nx:        nx,
		Ny:        ny,
		Nz:        nz,
		VoxelSize: resolution,
	}

	// Scaling output voxel indices by the resolution ratio maps them
	// back onto the source grid; the affine columns grow by the same
	// ratio so world coordinates are preserved.
	out.Affine = v.Affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Affine[i][j] = v.Affine[i][j] * scale[j]
		}
	}

	for z := 0; z < nz; z++ {
		sz := float64(z) * scale[2]
		for y := 0; y < ny; y++ {
			sy := float64(y) * scale[1]
			for x := 0; x < nx; x++ {
				sx := float64(x) * scale[0]
				out.Set(x, y, z, v.Interpolate(sx, sy, sz))
			}
		}
	}

	return out, nil
}

// ResampleBinary resamples a binary mask and re-binarizes the
// interpolated values at 0.5 so the result stays in {0, 1}.
func ResampleBinary(v *models.Volume, resolution [3]float64) (*models.Volume, error) {
	out, err := Resample(v, resolution)
	if err != nil {
		return nil, err
	}
	return out.Binarize(0.5), nil
}

func dimFor(n int, scale float64) int {
	d := int(math.Round(float64(n) / scale))
	if d < 1 {
		d = 1
	}
	return d
}

// axis letters per world axis, negative and positive direction.
// World axes follow the NIfTI convention (+x right, +y anterior,
// +z superior).
var axisLetters = [3][2]byte{
	{'L', 'R'},
	{'P', 'A'},
	{'I', 'S'},
}

// OrientationOf derives the 3-letter orientation code of a volume
// from its affine: for each voxel axis, the letter of the dominant
// world direction it points toward.
func OrientationOf(v *models.Volume) string {
	code := make([]byte, 3)
	for j := 0; j < 3; j++ {
		axis, positive := dominantDirection(v.Affine, j)
		if positive {
			code[j] = axisLetters[axis][1]
		} else {
			code[j] = axisLetters[axis][0]
		}
	}
	return string(code)
}

func dominantDirection(affine [4][4]float64, col int) (axis int, positive bool) {
	best := 0.0
	for i := 0; i < 3; i++ {
		if a := math.Abs(affine[i][col]); a > best {
			best = a
			axis = i
			positive = affine[i][col] > 0
		}
	}
	return axis, positive
}

// parseOrientation validates a 3-letter code and returns, per code
// position, the world axis it names and whether it is the positive
// direction.
func parseOrientation(code string) ([3]int, [3]bool, error) {
	var axes [3]int
	var signs [3]bool

	code = strings.ToUpper(code)
	if len(code) != 3 {
		return axes, signs, fmt.Errorf("orientation code must have 3 letters, got %q", code)
	}

	seen := [3]bool{}
	for i := 0; i < 3; i++ {
		found := false
		for axis := 0; axis < 3; axis++ {
			for s, letter := range axisLetters[axis] {
				if code[i] == letter {
					axes[i] = axis
					signs[i] = s == 1
					found = true
				}
			}
		}
		if !found {
			return axes, signs, fmt.Errorf("invalid orientation letter %q in %q", string(code[i]), code)
		}
		if seen[axes[i]] {
			return axes, signs, fmt.Errorf("orientation code %q repeats a world axis", code)
		}
		seen[axes[i]] = true
	}

	return axes, signs, nil
}

// Reorient permutes and flips the voxel grid so the volume's axes
// follow the given anatomical orientation code, e.g. "RAI" for
// x toward right, y toward anterior, z toward inferior. The affine is
// updated so every voxel keeps its world coordinate.
func Reorient(v *models.Volume, code string) (*models.Volume, error) {
	wantAxes, wantSigns, err := parseOrientation(code)
	if err != nil {
		return nil, err
	}

	// Current mapping: world axis -> (voxel axis, direction)
	var curVoxAxis [3]int
	var curPositive [3]bool
	usedWorld := [3]bool{}
	for j := 0; j < 3; j++ {
		axis, positive := dominantDirection(v.Affine, j)
		if usedWorld[axis] {
			return nil, fmt.Errorf("affine is too oblique to derive a unique orientation")
		}
		usedWorld[axis] = true
		curVoxAxis[axis] = j
		curPositive[axis] = positive
	}

	// For each output axis: which source voxel axis feeds it, and
	// whether it must be traversed in reverse.
	var srcAxis [3]int
	var flip [3]bool
	for j := 0; j < 3; j++ {
		world := wantAxes[j]
		srcAxis[j] = curVoxAxis[world]
		flip[j] = curPositive[world] != wantSigns[j]
	}

	srcDims := [3]int{v.Nx, v.Ny, v.Nz}
	outDims := [3]int{srcDims[srcAxis[0]], srcDims[srcAxis[1]], srcDims[srcAxis[2]]}

	out := &models.Volume{
		Data: make([]float64, v.NumVoxels()),
		Nx:   outDims[0],
		Ny:   outDims[1],
		Nz:   outDims[2],
		VoxelSize: [3]float64{
			v.VoxelSize[srcAxis[0]],
			v.VoxelSize[srcAxis[1]],
			v.VoxelSize[srcAxis[2]],
		},
	}

	// New affine: column j comes from source column srcAxis[j],
	// negated when flipped; the translation moves to the far edge of
	// every flipped axis.
	out.Affine[3][3] = 1
	for i := 0; i < 3; i++ {
		out.Affine[i][3] = v.Affine[i][3]
	}
	for j := 0; j < 3; j++ {
		s := srcAxis[j]
		for i := 0; i < 3; i++ {
			c := v.Affine[i][s]
			if flip[j] {
				out.Affine[i][j] = -c
				out.Affine[i][3] += c * float64(srcDims[s]-1)
			} else {
				out.Affine[i][j] = c
			}
		}
	}

	var idx [3]int
	for z := 0; z < out.Nz; z++ {
		for y := 0; y < out.Ny; y++ {
			for x := 0; x < out.Nx; x++ {
				outIdx := [3]int{x, y, z}
				for j := 0; j < 3; j++ {
					pos := outIdx[j]
					if flip[j] {
						pos = outDims[j] - 1 - pos
					}
					idx[srcAxis[j]] = pos
				}
				out.Set(x, y, z, v.At(idx[0], idx[1], idx[2]))
			}
		}
	}

	return out, nil
}
