// Package biasfield implements N4-style bias field correction for MR
// volumes. The smooth, low-frequency multiplicative intensity
// inhomogeneity is estimated in log space by iteratively fitting a
// low-order 3D polynomial to the masked voxels and divided out.
package biasfield

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"neuroprep/internal/models"
)

// Options controls the bias field estimation. Zero values fall back
// to the defaults, so a partially filled struct is fine.
type Options struct {
	// MaxIterations bounds the fit-and-correct loop
	MaxIterations int

	// Convergence stops iteration once the standard deviation of the
	// newly fitted log field drops below this fraction of the log
	// intensity spread
	Convergence float64

	// Degree is the total degree of the 3D polynomial basis used to
	// model the log bias field
	Degree int

	// MaxSamples caps how many mask voxels enter the least-squares
	// fit; voxels are taken at a uniform stride beyond it
	MaxSamples int
}

// DefaultOptions returns the parameter set used when callers pass no
// explicit options.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 10,
		Convergence:   0.001,
		Degree:        3,
		MaxSamples:    20000,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = def.MaxIterations
	}
	if o.Convergence <= 0 {
		o.Convergence = def.Convergence
	}
	if o.Degree <= 0 {
		o.Degree = def.Degree
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = def.MaxSamples
	}
	return o
}

// Correct estimates the multiplicative bias field of img over the
// brain mask and returns the corrected volume. The mask must share
// the image grid.
func Correct(img, mask *models.Volume, opts Options) (*models.Volume, error) {
	corrected, _, err := CorrectWithField(img, mask, opts)
	return corrected, err
}

// CorrectWithField behaves like Correct but also returns the
// estimated field (1.0 outside the mask).
func CorrectWithField(img, mask *models.Volume, opts Options) (*models.Volume, *models.Volume, error) {
	if err := img.ValidateShape(mask); err != nil {
		return nil, nil, fmt.Errorf("bias correction: %v", err)
	}
	opts = opts.withDefaults()

	indices := img.MaskedIndices(mask)
	if len(indices) == 0 {
		return nil, nil, fmt.Errorf("bias correction: brain mask is empty")
	}

	// Work on log intensities; only positive voxels carry usable
	// signal for a multiplicative model
	logData := make([]float64, len(img.Data))
	for _, i := range indices {
		if img.Data[i] > 0 {
			logData[i] = math.Log(img.Data[i])
		}
	}

	spread := logSpread(logData, indices)
	if spread == 0 {
		// Constant image, nothing to correct
		field := models.NewVolume(img.Nx, img.Ny, img.Nz)
		for i := range field.Data {
			field.Data[i] = 1
		}
		return img.Clone(), field, nil
	}

	basis := newPolynomialBasis(img, opts.Degree)
	totalLogField := make([]float64, len(img.Data))

	for iter := 0; iter < opts.MaxIterations; iter++ {
		coeffs, err := basis.fit(logData, indices, opts.MaxSamples)
		if err != nil {
			return nil, nil, fmt.Errorf("bias correction: field fit failed: %v", err)
		}

		// Remove the mean so the field only reshapes intensities
		// without changing the overall scale
		fieldVals := make([]float64, len(indices))
		for n, i := range indices {
			fieldVals[n] = basis.evalAt(i, coeffs)
		}
		mean := stat.Mean(fieldVals, nil)

		var change float64
		for n, i := range indices {
			f := fieldVals[n] - mean
			logData[i] -= f
			totalLogField[i] += f
			change += f * f
		}
		change = math.Sqrt(change / float64(len(indices)))

		if change < opts.Convergence*spread {
			break
		}
	}

	corrected := img.Clone()
	field := models.NewVolume(img.Nx, img.Ny, img.Nz)
	for i := range field.Data {
		field.Data[i] = 1
	}
	for _, i := range indices {
		f := math.Exp(totalLogField[i])
		field.Data[i] = f
		corrected.Data[i] = img.Data[i] / f
	}

	return corrected, field, nil
}

func logSpread(logData []float64, indices []int) float64 {
	vals := make([]float64, len(indices))
	for n, i := range indices {
		vals[n] = logData[i]
	}
	return stat.StdDev(vals, nil)
}

// polynomialBasis evaluates all monomials x^a y^b z^c with
// a+b+c <= degree over voxel coordinates normalized to [-1, 1].
type polynomialBasis struct {
	vol       *models.Volume
	exponents [][3]int
}

func newPolynomialBasis(vol *models.Volume, degree int) *polynomialBasis {
	b := &polynomialBasis{vol: vol}
	for a := 0; a <= degree; a++ {
		for bb := 0; bb+a <= degree; bb++ {
			for c := 0; c+bb+a <= degree; c++ {
				b.exponents = append(b.exponents, [3]int{a, bb, c})
			}
		}
	}
	return b
}

func (b *polynomialBasis) coords(flatIdx int) (float64, float64, float64) {
	nx, ny := b.vol.Nx, b.vol.Ny
	x := flatIdx % nx
	y := (flatIdx / nx) % ny
	z := flatIdx / (nx * ny)
	return normalize(x, nx), normalize(y, ny), normalize(z, b.vol.Nz)
}

func normalize(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2*float64(i)/float64(n-1) - 1
}

func (b *polynomialBasis) row(flatIdx int) []float64 {
	x, y, z := b.coords(flatIdx)
	row := make([]float64, len(b.exponents))
	for k, e := range b.exponents {
		row[k] = intPow(x, e[0]) * intPow(y, e[1]) * intPow(z, e[2])
	}
	return row
}

func intPow(v float64, p int) float64 {
	r := 1.0
	for i := 0; i < p; i++ {
		r *= v
	}
	return r
}

// fit solves the least-squares problem basis * coeffs = values over
// the given voxels using QR decomposition.
func (b *polynomialBasis) fit(values []float64, indices []int, maxSamples int) ([]float64, error) {
	stride := 1
	if len(indices) > maxSamples {
		stride = len(indices) / maxSamples
	}

	var sampled []int
	for n := 0; n < len(indices); n += stride {
		sampled = append(sampled, indices[n])
	}

	nBasis := len(b.exponents)
	if len(sampled) < nBasis {
		return nil, fmt.Errorf("only %d mask voxels for %d basis functions", len(sampled), nBasis)
	}

	A := mat.NewDense(len(sampled), nBasis, nil)
	y := mat.NewVecDense(len(sampled), nil)
	for r, i := range sampled {
		A.SetRow(r, b.row(i))
		y.SetVec(r, values[i])
	}

	var qr mat.QR
	qr.Factorize(A)

	coeffsDense := mat.NewDense(nBasis, 1, nil)
	if err := qr.SolveTo(coeffsDense, false, y); err != nil {
		return nil, err
	}

	coeffs := make([]float64, nBasis)
	for k := range coeffs {
		coeffs[k] = coeffsDense.At(k, 0)
	}
	return coeffs, nil
}

func (b *polynomialBasis) evalAt(flatIdx int, coeffs []float64) float64 {
	row := b.row(flatIdx)
	v := 0.0
	for k, c := range coeffs {
		v += c * row[k]
	}
	return v
}
