// Package csf derives cerebrospinal-fluid reference masks from
// T1-weighted brain MR volumes. A single-image mask comes from
// 3-class fuzzy means segmentation constrained to the brain mask; a
// cohort mask intersects the per-image masks by voxel-wise vote.
package csf

import (
	"fmt"

	"go.uber.org/zap"

	"neuroprep/internal/models"
	"neuroprep/pkg/nifti"
	"neuroprep/pkg/segmentation"
)

// ValidationError marks caller errors such as out-of-range
// parameters. These are raised before any processing starts and are
// never retried.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// inputKind tags the accepted in-memory image representations
type inputKind int

const (
	kindNone inputKind = iota
	kindVolume
	kindNIfTI
)

// Input is the tagged union over the two accepted image
// representations: the native volume used by the processing packages
// and a loaded NIfTI image. Conversion to the native representation
// happens explicitly before any segmentation call.
type Input struct {
	kind inputKind
	vol  *models.Volume
	img  *nifti.Image
}

// FromVolume wraps a native volume as segmentation input
func FromVolume(v *models.Volume) Input {
	return Input{kind: kindVolume, vol: v}
}

// FromNIfTI wraps a loaded NIfTI image as segmentation input
func FromNIfTI(img *nifti.Image) Input {
	return Input{kind: kindNIfTI, img: img}
}

// volume resolves the input to the native representation
func (in Input) volume() (*models.Volume, error) {
	switch in.kind {
	case kindVolume:
		return in.vol, nil
	case kindNIfTI:
		return in.img.Volume(), nil
	default:
		return nil, validationErrorf("no image provided")
	}
}

// Options controls the single-image CSF mask derivation
type Options struct {
	// Threshold is the membership cutoff for the binary mask
	Threshold float64

	// ReturnProb returns the raw CSF membership values instead of the
	// thresholded binary mask
	ReturnProb bool

	// MRF is the Markov random field smoothness weight passed to the
	// segmentation; higher is smoother
	MRF float64

	// MaxIterations bounds the segmentation update loop; 0 uses the
	// segmentation default
	MaxIterations int
}

// DefaultOptions returns the standard CSF mask parameters
func DefaultOptions() Options {
	return Options{
		Threshold: 0.9,
		MRF:       0.25,
	}
}

// Mask creates a CSF mask from a T1-weighted image and its brain
// mask using 3-class fuzzy means segmentation. Of the three classes,
// the one with the lowest mean intensity over voxels with membership
// above 0.5 is taken as CSF: on T1-weighted contrast CSF is darker
// than gray and white matter.
//
// The returned volume holds membership probabilities when
// opts.ReturnProb is set, and a binary mask thresholded at
// opts.Threshold otherwise. Any segmentation failure propagates
// unchanged.
func Mask(img, brainMask Input, opts Options) (*models.Volume, error) {
	vol, err := img.volume()
	if err != nil {
		return nil, err
	}
	maskVol, err := brainMask.volume()
	if err != nil {
		return nil, err
	}
	if err := vol.ValidateShape(maskVol); err != nil {
		return nil, validationErrorf("csf mask: %v", err)
	}

	seg := segmentation.New(segmentation.Params{
		Classes:       3,
		MRF:           opts.MRF,
		MaxIterations: opts.MaxIterations,
	})
	res, err := seg.Segment(vol, maskVol)
	if err != nil {
		return nil, err
	}

	csfClass := darkestClass(vol, res)
	csf := res.Memberships[csfClass]
	if opts.ReturnProb {
		return csf, nil
	}
	return csf.Binarize(opts.Threshold), nil
}

// darkestClass finds the class whose mean image intensity, taken over
// voxels with membership above 0.5, is lowest.
func darkestClass(img *models.Volume, res *segmentation.Result) int {
	best := 0
	bestMean := 0.0
	for c, membership := range res.Memberships {
		sum, count := 0.0, 0
		for i, u := range membership.Data {
			if u > 0.5 {
				sum += img.Data[i]
				count++
			}
		}
		mean := res.Means[c]
		if count > 0 {
			mean = sum / float64(count)
		}
		if c == 0 || mean < bestMean {
			best = c
			bestMean = mean
		}
	}
	return best
}

// Intersection computes a cohort-level CSF mask: the per-image binary
// CSF masks (default options) are summed voxel-wise and a voxel is
// kept when at least floor(N * Prob) images label it CSF.
type Intersection struct {
	// ImgDir is the directory of T1-weighted NIfTI images
	ImgDir string

	// MaskDir is a directory of brain masks paired to the images by
	// base filename. Leave empty when SharedMask is set.
	MaskDir string

	// SharedMask is a single brain mask applied to every image, for
	// cohorts registered to a common space. Leave unset when MaskDir
	// is given.
	SharedMask Input

	// Prob is the proportion of the cohort that must agree, in [0, 1].
	// 1.0 requires unanimity.
	Prob float64

	// MaskOptions configures the per-image CSF masks feeding the vote.
	// ReturnProb is ignored: voting needs binary masks.
	MaskOptions Options

	logger *zap.Logger
}

// NewIntersection creates a cohort intersection job with unanimous
// voting. The logger is required; processing progress is reported
// through it.
func NewIntersection(logger *zap.Logger, imgDir string) *Intersection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intersection{
		ImgDir:      imgDir,
		Prob:        1.0,
		MaskOptions: DefaultOptions(),
		logger:      logger,
	}
}

// Run executes the cohort CSF mask intersection. Parameter validation
// happens before any file is touched.
func (x *Intersection) Run() (*models.Volume, error) {
	if x.Prob < 0 || x.Prob > 1 {
		return nil, validationErrorf("prob must be between 0 and 1, %v given", x.Prob)
	}
	if x.MaskDir != "" && x.SharedMask.kind != kindNone {
		return nil, validationErrorf("provide either a mask directory or a shared mask, not both")
	}
	if x.MaskDir == "" && x.SharedMask.kind == kindNone {
		return nil, validationErrorf("a mask directory or a shared mask is required")
	}

	images, err := nifti.ListDir(x.ImgDir)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, validationErrorf("no NIfTI images found in %s", x.ImgDir)
	}

	var sharedMaskVol *models.Volume
	var pairs [][2]string
	if x.MaskDir != "" {
		masks, err := nifti.ListDir(x.MaskDir)
		if err != nil {
			return nil, err
		}
		pairs, err = nifti.Pair(images, masks)
		if err != nil {
			return nil, validationErrorf("cohort pairing failed: %v", err)
		}
	} else {
		sharedMaskVol, err = x.SharedMask.volume()
		if err != nil {
			return nil, err
		}
		for _, img := range images {
			pairs = append(pairs, [2]string{img, ""})
		}
	}

	maskOpts := x.MaskOptions
	maskOpts.ReturnProb = false
	if maskOpts.Threshold <= 0 {
		maskOpts.Threshold = DefaultOptions().Threshold
	}

	n := len(pairs)
	var sum *models.Volume

	for i, pair := range pairs {
		base := nifti.BaseName(pair[0])
		x.logger.Info(fmt.Sprintf("creating CSF mask for image %s (%d/%d)", base, i+1, n),
			zap.Int("index", i+1),
			zap.Int("total", n),
			zap.String("image", base))

		imgVol, err := nifti.ReadVolume(pair[0])
		if err != nil {
			return nil, err
		}

		maskVol := sharedMaskVol
		if pair[1] != "" {
			maskVol, err = nifti.ReadVolume(pair[1])
			if err != nil {
				return nil, err
			}
		}

		csf, err := Mask(FromVolume(imgVol), FromVolume(maskVol), maskOpts)
		if err != nil {
			return nil, fmt.Errorf("csf mask for %s: %v", base, err)
		}

		if sum == nil {
			sum = csf.Clone()
			continue
		}
		if err := sum.ValidateShape(csf); err != nil {
			return nil, validationErrorf("cohort grids disagree at %s: %v", base, err)
		}
		for v := range sum.Data {
			sum.Data[v] += csf.Data[v]
		}
	}

	// Threshold count is floor(N * prob). At prob = 0 the threshold
	// is 0 and every voxel passes; the reference behavior is kept
	// rather than corrected.
	threshold := float64(int(float64(n) * x.Prob))
	intersection := models.NewVolume(sum.Nx, sum.Ny, sum.Nz)
	intersection.VoxelSize = sum.VoxelSize
	intersection.Affine = sum.Affine
	for v := range sum.Data {
		if sum.Data[v] >= threshold {
			intersection.Data[v] = 1
		}
	}
	return intersection, nil
}
