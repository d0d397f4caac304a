// Package segmentation implements fuzzy c-means tissue classification
// with Markov random field regularization, the soft k-class
// segmentation used to derive tissue membership maps from T1-weighted
// brain volumes.
package segmentation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"neuroprep/internal/models"
)

// Params configures the fuzzy means segmentation
type Params struct {
	// Classes is the number of tissue classes to partition into
	Classes int

	// MRF is the spatial smoothness weight in [0, 1); higher values
	// pull each voxel's memberships toward its neighborhood average
	MRF float64

	// Fuzziness is the fuzzy c-means exponent m (> 1)
	Fuzziness float64

	// MaxIterations bounds the update loop
	MaxIterations int

	// Tolerance stops iteration once the largest centroid move falls
	// below this fraction of the intensity range
	Tolerance float64
}

// DefaultParams returns the segmentation parameters used by the CSF
// mask derivation: 3 classes with a light MRF weight.
func DefaultParams() Params {
	return Params{
		Classes:       3,
		MRF:           0.25,
		Fuzziness:     2.0,
		MaxIterations: 50,
		Tolerance:     1e-4,
	}
}

// Result holds the outcome of a segmentation run
type Result struct {
	// Memberships contains one membership volume per class, with
	// values in [0, 1] inside the mask and 0 outside
	Memberships []*models.Volume

	// Means is the centroid intensity of each class, in class order
	Means []float64
}

// Segmenter runs fuzzy means segmentation over the brain-mask voxels
// of a volume
type Segmenter struct {
	params Params
}

// New creates a segmenter with the given parameters. Zero-valued
// fields fall back to DefaultParams.
func New(params Params) *Segmenter {
	def := DefaultParams()
	if params.Classes <= 0 {
		params.Classes = def.Classes
	}
	if params.Fuzziness <= 1 {
		params.Fuzziness = def.Fuzziness
	}
	if params.MaxIterations <= 0 {
		params.MaxIterations = def.MaxIterations
	}
	if params.Tolerance <= 0 {
		params.Tolerance = def.Tolerance
	}
	if params.MRF < 0 {
		params.MRF = 0
	}
	return &Segmenter{params: params}
}

// Segment partitions the masked voxels of img into the configured
// number of intensity classes. The mask must share the image grid.
func (s *Segmenter) Segment(img, mask *models.Volume) (*Result, error) {
	if err := img.ValidateShape(mask); err != nil {
		return nil, fmt.Errorf("segmentation: %v", err)
	}

	indices := img.MaskedIndices(mask)
	k := s.params.Classes
	if len(indices) < k {
		return nil, fmt.Errorf("segmentation: %d mask voxels for %d classes", len(indices), k)
	}

	values := make([]float64, len(indices))
	for n, i := range indices {
		values[n] = img.Data[i]
	}

	centroids := initialCentroids(values, k)
	spread := intensityRange(values)
	if spread == 0 {
		spread = 1
	}

	// memberships[c][n] for class c, masked voxel n
	u := make([][]float64, k)
	for c := range u {
		u[c] = make([]float64, len(indices))
	}

	m := s.params.Fuzziness
	exponent := 2 / (m - 1)

	for iter := 0; iter < s.params.MaxIterations; iter++ {
		updateMemberships(u, values, centroids, exponent)

		if s.params.MRF > 0 {
			s.smoothMemberships(u, img, mask, indices)
		}

		maxMove := 0.0
		for c := 0; c < k; c++ {
			num, den := 0.0, 0.0
			for n, v := range values {
				w := math.Pow(u[c][n], m)
				num += w * v
				den += w
			}
			if den == 0 {
				continue
			}
			next := num / den
			if move := math.Abs(next - centroids[c]); move > maxMove {
				maxMove = move
			}
			centroids[c] = next
		}

		if maxMove < s.params.Tolerance*spread {
			break
		}
	}

	res := &Result{
		Memberships: make([]*models.Volume, k),
		Means:       centroids,
	}
	for c := 0; c < k; c++ {
		vol := models.NewVolume(img.Nx, img.Ny, img.Nz)
		vol.VoxelSize = img.VoxelSize
		vol.Affine = img.Affine
		for n, i := range indices {
			vol.Data[i] = u[c][n]
		}
		res.Memberships[c] = vol
	}
	return res, nil
}

// initialCentroids seeds class centers at evenly spaced intensity
// quantiles, which keeps the run fully deterministic.
func initialCentroids(values []float64, k int) []float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	centroids := make([]float64, k)
	for c := 0; c < k; c++ {
		p := (float64(c) + 0.5) / float64(k)
		centroids[c] = stat.Quantile(p, stat.Empirical, sorted, nil)
	}
	return centroids
}

func intensityRange(values []float64) float64 {
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

func updateMemberships(u [][]float64, values, centroids []float64, exponent float64) {
	k := len(centroids)
	for n, v := range values {
		// A voxel sitting exactly on a centroid belongs fully to
		// that class
		exact := -1
		for c := 0; c < k; c++ {
			if v == centroids[c] {
				exact = c
				break
			}
		}
		if exact >= 0 {
			for c := 0; c < k; c++ {
				u[c][n] = 0
			}
			u[exact][n] = 1
			continue
		}

		for c := 0; c < k; c++ {
			dc := math.Abs(v - centroids[c])
			sum := 0.0
			for j := 0; j < k; j++ {
				dj := math.Abs(v - centroids[j])
				sum += math.Pow(dc/dj, exponent)
			}
			u[c][n] = 1 / sum
		}
	}
}

// smoothMemberships applies the MRF regularization: each membership
// is blended with the mean membership of its 6-connected in-mask
// neighbors, then renormalized per voxel.
func (s *Segmenter) smoothMemberships(u [][]float64, img, mask *models.Volume, indices []int) {
	w := s.params.MRF
	k := len(u)

	// flat index -> position in the masked voxel list
	pos := make(map[int]int, len(indices))
	for n, i := range indices {
		pos[i] = n
	}

	nx, ny, nz := img.Nx, img.Ny, img.Nz
	offsets := [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}

	smoothed := make([][]float64, k)
	for c := range smoothed {
		smoothed[c] = make([]float64, len(indices))
	}

	for n, i := range indices {
		x := i % nx
		y := (i / nx) % ny
		z := i / (nx * ny)

		var neighbors []int
		for _, o := range offsets {
			px, py, pz := x+o[0], y+o[1], z+o[2]
			if px < 0 || px >= nx || py < 0 || py >= ny || pz < 0 || pz >= nz {
				continue
			}
			j := img.Index(px, py, pz)
			if nn, ok := pos[j]; ok {
				neighbors = append(neighbors, nn)
			}
		}

		total := 0.0
		for c := 0; c < k; c++ {
			v := u[c][n]
			if len(neighbors) > 0 {
				avg := 0.0
				for _, nn := range neighbors {
					avg += u[c][nn]
				}
				avg /= float64(len(neighbors))
				v = (1-w)*v + w*avg
			}
			smoothed[c][n] = v
			total += v
		}
		if total > 0 {
			for c := 0; c < k; c++ {
				smoothed[c][n] /= total
			}
		}
	}

	for c := 0; c < k; c++ {
		copy(u[c], smoothed[c])
	}
}
