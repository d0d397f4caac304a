package models

import (
	"fmt"
	"math"
)

// Volume represents a 3D scalar voxel grid with spatial metadata
type Volume struct {
	// Data is the voxel data as a 1D array in row-major order
	// (x varies fastest, then y, then z)
	Data []float64

	// Nx, Ny, Nz are the grid dimensions in voxels
	Nx, Ny, Nz int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize [3]float64

	// Affine maps voxel indices (i, j, k, 1) to world coordinates in mm.
	// The world frame follows the NIfTI convention: +x is right,
	// +y is anterior, +z is superior.
	Affine [4][4]float64
}

// NewVolume creates a zero-filled volume with the given dimensions,
// 1mm isotropic voxels and an identity-based affine.
func NewVolume(nx, ny, nz int) *Volume {
	v := &Volume{
		Data:      make([]float64, nx*ny*nz),
		Nx:        nx,
		Ny:        ny,
		Nz:        nz,
		VoxelSize: [3]float64{1, 1, 1},
	}
	v.Affine = DefaultAffine(v.VoxelSize)
	return v
}

// DefaultAffine returns a diagonal affine built from the voxel size,
// with the world origin at voxel (0, 0, 0).
func DefaultAffine(voxelSize [3]float64) [4][4]float64 {
	var a [4][4]float64
	a[0][0] = voxelSize[0]
	a[1][1] = voxelSize[1]
	a[2][2] = voxelSize[2]
	a[3][3] = 1
	return a
}

// Index returns the flat data index for voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Nx*v.Ny + y*v.Nx + x
}

// At returns the intensity at voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores an intensity at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// NumVoxels returns the total number of voxels in the grid
func (v *Volume) NumVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	c := &Volume{
		Data:      make([]float64, len(v.Data)),
		Nx:        v.Nx,
		Ny:        v.Ny,
		Nz:        v.Nz,
		VoxelSize: v.VoxelSize,
		Affine:    v.Affine,
	}
	copy(c.Data, v.Data)
	return c
}

// SameShape reports whether two volumes share identical grid dimensions
func (v *Volume) SameShape(o *Volume) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

// ValidateShape returns an error when the grids of an image and its
// paired mask do not line up. Image/mask dimension mismatch is always
// a caller error, never silently tolerated.
func (v *Volume) ValidateShape(o *Volume) error {
	if !v.SameShape(o) {
		return fmt.Errorf("volume dimensions %dx%dx%d do not match %dx%dx%d",
			v.Nx, v.Ny, v.Nz, o.Nx, o.Ny, o.Nz)
	}
	return nil
}

// Binarize returns a copy of the volume with every voxel set to 1
// where the intensity exceeds the threshold, and 0 elsewhere.
func (v *Volume) Binarize(threshold float64) *Volume {
	b := v.Clone()
	for i, val := range b.Data {
		if val > threshold {
			b.Data[i] = 1
		} else {
			b.Data[i] = 0
		}
	}
	return b
}

// MaskedIndices returns the flat indices of all voxels where the mask
// is positive. The mask must share the volume's grid.
func (v *Volume) MaskedIndices(mask *Volume) []int {
	indices := make([]int, 0, len(v.Data)/4)
	for i := range v.Data {
		if mask.Data[i] > 0 {
			indices = append(indices, i)
		}
	}
	return indices
}

// Interpolate samples the volume at a continuous voxel coordinate
// using trilinear interpolation. Coordinates outside the grid are
// clamped to the boundary.
func (v *Volume) Interpolate(x, y, z float64) float64 {
	x = clamp(x, 0, float64(v.Nx-1))
	y = clamp(y, 0, float64(v.Ny-1))
	z = clamp(z, 0, float64(v.Nz-1))

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	x1 := minInt(x0+1, v.Nx-1)
	y1 := minInt(y0+1, v.Ny-1)
	z1 := minInt(z0+1, v.Nz-1)

	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	c000 := v.At(x0, y0, z0)
	c100 := v.At(x1, y0, z0)
	c010 := v.At(x0, y1, z0)
	c110 := v.At(x1, y1, z0)
	c001 := v.At(x0, y0, z1)
	c101 := v.At(x1, y0, z1)
	c011 := v.At(x0, y1, z1)
	c111 := v.At(x1, y1, z1)

	c00 := c000*(1-fx) + c100*fx
	c10 := c010*(1-fx) + c110*fx
	c01 := c001*(1-fx) + c101*fx
	c11 := c011*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
