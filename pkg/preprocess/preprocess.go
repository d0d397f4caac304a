// Package preprocess runs the basic preprocessing scheme for a
// directory of T1-weighted brain MR images:
//
//  1. N4-style bias field correction
//  2. resampling to a target isotropic resolution
//  3. reorientation to a target anatomical orientation
//
// Every image requires a brain mask with a matching base filename;
// a missing or mismatched mask is a fatal error for the run, never a
// silent skip. Images are processed strictly sequentially in
// lexicographic order, one volume in memory at a time.
//
// The brain masks go through the same resampling and reorientation
// and are written under a masks/ subdirectory of the output, so the
// dataset stays paired on the new grid for the CSF steps.
package preprocess

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"neuroprep/pkg/biasfield"
	"neuroprep/pkg/nifti"
	"neuroprep/pkg/resample"
)

// Params holds the preprocessing configuration
type Params struct {
	// ImgDir is the directory containing the images to be processed
	// (all should be T1-weighted contrast)
	ImgDir string

	// MaskDir is the directory with the corresponding brain masks,
	// paired to images by base filename
	MaskDir string

	// OutDir is the output directory for preprocessed files
	OutDir string

	// Resolution is the target voxel resolution in mm
	Resolution [3]float64

	// Orientation is the anatomical orientation code of the output,
	// e.g. "RAI"
	Orientation string

	// N4 carries the bias field correction options
	N4 biasfield.Options
}

// DefaultParams returns the standard preprocessing configuration:
// 1mm isotropic resolution and RAI orientation.
func DefaultParams() *Params {
	return &Params{
		Resolution:  [3]float64{1, 1, 1},
		Orientation: "RAI",
		N4:          biasfield.DefaultOptions(),
	}
}

// Preprocessor drives the preprocessing pipeline over a dataset
type Preprocessor struct {
	params *Params
	logger *zap.Logger
}

// New creates a preprocessor with the given parameters and logger
func New(params *Params, logger *zap.Logger) *Preprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preprocessor{params: params, logger: logger}
}

// Run processes every image in the input directory and writes the
// results to the output directory under the original base filename.
func (p *Preprocessor) Run() error {
	if p.params.ImgDir == "" || p.params.MaskDir == "" || p.params.OutDir == "" {
		return fmt.Errorf("img-dir, mask-dir and out-dir are all required")
	}

	images, err := nifti.ListDir(p.params.ImgDir)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("no NIfTI images found in %s", p.params.ImgDir)
	}

	masks, err := nifti.ListDir(p.params.MaskDir)
	if err != nil {
		return err
	}

	pairs, err := nifti.Pair(images, masks)
	if err != nil {
		return fmt.Errorf("image/mask pairing failed: %v", err)
	}

	if err := os.MkdirAll(p.maskOutDir(), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}

	n := len(pairs)
	for i, pair := range pairs {
		base := nifti.BaseName(pair[0])
		p.logger.Info(fmt.Sprintf("preprocessing image %s (%d/%d)", base, i+1, n),
			zap.Int("index", i+1),
			zap.Int("total", n),
			zap.String("image", base))

		if err := p.processOne(pair[0], pair[1]); err != nil {
			return fmt.Errorf("preprocessing %s failed: %v", base, err)
		}
	}

	return nil
}

// processOne runs the full correction chain for a single image/mask
// pair and writes the result.
func (p *Preprocessor) processOne(imgPath, maskPath string) error {
	img, err := nifti.ReadVolume(imgPath)
	if err != nil {
		return err
	}
	mask, err := nifti.ReadVolume(maskPath)
	if err != nil {
		return err
	}
	if err := img.ValidateShape(mask); err != nil {
		return err
	}

	p.logger.Debug("applying bias field correction")
	corrected, err := biasfield.Correct(img, mask, p.params.N4)
	if err != nil {
		return err
	}

	p.logger.Debug("resampling",
		zap.Float64s("resolution", p.params.Resolution[:]))
	resampled, err := resample.Resample(corrected, p.params.Resolution)
	if err != nil {
		return err
	}

	p.logger.Debug("reorienting",
		zap.String("orientation", p.params.Orientation))
	oriented, err := resample.Reorient(resampled, p.params.Orientation)
	if err != nil {
		return err
	}

	outPath := filepath.Join(p.params.OutDir, filepath.Base(imgPath))
	if err := nifti.WriteVolume(outPath, oriented); err != nil {
		return err
	}

	// The mask follows the image onto the new grid so the pair stays
	// usable downstream. Interpolated values are re-binarized.
	resampledMask, err := resample.ResampleBinary(mask, p.params.Resolution)
	if err != nil {
		return err
	}
	orientedMask, err := resample.Reorient(resampledMask, p.params.Orientation)
	if err != nil {
		return err
	}
	maskOutPath := filepath.Join(p.maskOutDir(), filepath.Base(maskPath))
	return nifti.WriteVolume(maskOutPath, orientedMask)
}

// maskOutDir is where the grid-matched masks are written
func (p *Preprocessor) maskOutDir() string {
	return filepath.Join(p.params.OutDir, "masks")
}
