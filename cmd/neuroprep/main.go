package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"neuroprep/pkg/biasfield"
	"neuroprep/pkg/config"
	"neuroprep/pkg/csf"
	"neuroprep/pkg/nifti"
	"neuroprep/pkg/preprocess"
)

var logger *zap.Logger

// newRootCmd builds the command tree. Commands carry their own flag
// state so every construction starts from clean defaults.
func newRootCmd() *cobra.Command {
	var (
		verbosity  int
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:   "neuroprep",
		Short: "Intensity normalization preprocessing for brain MR images",
		Long: `neuroprep performs the preprocessing steps used ahead of MR
intensity-scale calibration: N4-style bias field correction,
resampling to isotropic resolution, reorientation, and derivation of
cerebrospinal-fluid reference masks.

All inputs and outputs are NIfTI-1 files (.nii or .nii.gz).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := zap.NewProductionConfig()
			switch {
			case verbosity >= 2:
				cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			case verbosity == 1:
				cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
			default:
				cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
			}
			var err error
			logger, err = cfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbosity", "v",
		"increase output verbosity (e.g., -vv is more than -v)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to an optional YAML configuration file")

	rootCmd.AddCommand(
		newPreprocessCmd(&configPath),
		newCSFMaskCmd(&configPath),
		newCSFIntersectionCmd(&configPath),
	)
	return rootCmd
}

// newPreprocessCmd runs the directory-level preprocessing pipeline
func newPreprocessCmd(configPath *string) *cobra.Command {
	var (
		imgDir      string
		maskDir     string
		outDir      string
		resolution  []float64
		orientation string
		n4Opts      []string
	)

	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Bias-correct, resample and reorient a directory of images",
		Long: `Do some basic preprocessing on a set of NIfTI MR images of the
brain (resampling, reorientation, and bias field correction).
Requires a brain mask with a matching base filename for every image.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			params := preprocess.DefaultParams()
			params.ImgDir = imgDir
			params.MaskDir = maskDir
			params.OutDir = outDir
			params.Resolution = cfg.Preprocess.Resolution
			params.Orientation = cfg.Preprocess.Orientation
			params.N4.MaxIterations = cfg.Preprocess.N4.MaxIterations
			params.N4.Convergence = cfg.Preprocess.N4.Convergence
			params.N4.Degree = cfg.Preprocess.N4.Degree

			// Explicit flags win over config file values
			if cmd.Flags().Changed("resolution") {
				if len(resolution) != 3 {
					return fmt.Errorf("resolution needs exactly 3 values, got %d", len(resolution))
				}
				copy(params.Resolution[:], resolution)
			}
			if cmd.Flags().Changed("orientation") {
				params.Orientation = orientation
			}
			if err := applyN4Opts(&params.N4, n4Opts); err != nil {
				return err
			}

			return preprocess.New(params, logger).Run()
		},
	}

	cmd.Flags().StringVarP(&imgDir, "img-dir", "i", "",
		"path to directory with images to be processed (should all be T1w contrast)")
	cmd.Flags().StringVarP(&maskDir, "mask-dir", "m", "",
		"directory with the corresponding brain mask files")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", "",
		"output directory for preprocessed files")
	cmd.Flags().Float64SliceVarP(&resolution, "resolution", "r",
		[]float64{1, 1, 1}, "resolution for resampled images in mm")
	cmd.Flags().StringVar(&orientation, "orientation", "RAI",
		"orientation of preprocessed images")
	cmd.Flags().StringSliceVar(&n4Opts, "n4-opts", nil,
		"bias correction options as key=value pairs "+
			"(maxIterations, convergence, degree)")
	_ = cmd.MarkFlagRequired("img-dir")
	_ = cmd.MarkFlagRequired("mask-dir")
	_ = cmd.MarkFlagRequired("out-dir")

	return cmd
}

// newCSFMaskCmd derives a CSF mask for a single image
func newCSFMaskCmd(configPath *string) *cobra.Command {
	var (
		imgPath   string
		maskPath  string
		outPath   string
		threshold float64
		prob      bool
		mrf       float64
	)

	cmd := &cobra.Command{
		Use:   "csf-mask",
		Short: "Create a CSF mask for a single T1-weighted image",
		Long: `Creates a binary CSF mask from a T1-weighted image and its brain
mask using 3-class fuzzy means segmentation. The class with the
lowest mean intensity is taken as CSF.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			opts := csf.Options{
				Threshold:     cfg.CSF.Threshold,
				ReturnProb:    prob,
				MRF:           cfg.Segmentation.MRF,
				MaxIterations: cfg.Segmentation.MaxIterations,
			}
			// Explicit flags win over config file values
			if cmd.Flags().Changed("threshold") {
				opts.Threshold = threshold
			}
			if cmd.Flags().Changed("mrf") {
				opts.MRF = mrf
			}

			img, err := nifti.ReadFile(imgPath)
			if err != nil {
				return err
			}
			mask, err := nifti.ReadFile(maskPath)
			if err != nil {
				return err
			}

			result, err := csf.Mask(csf.FromNIfTI(img), csf.FromNIfTI(mask), opts)
			if err != nil {
				return err
			}
			return nifti.WriteVolume(outPath, result)
		},
	}

	cmd.Flags().StringVar(&imgPath, "img", "", "T1-weighted input image")
	cmd.Flags().StringVar(&maskPath, "mask", "", "brain mask for the input image")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output mask file")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.9,
		"membership threshold to count as CSF")
	cmd.Flags().BoolVar(&prob, "prob", false,
		"write membership values instead of a thresholded binary mask")
	cmd.Flags().Float64Var(&mrf, "mrf", 0.25,
		"Markov random field smoothness parameter")
	_ = cmd.MarkFlagRequired("img")
	_ = cmd.MarkFlagRequired("mask")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

// newCSFIntersectionCmd computes the cohort-level CSF mask
func newCSFIntersectionCmd(configPath *string) *cobra.Command {
	var (
		imgDir     string
		maskDir    string
		sharedMask string
		outPath    string
		cohortProb float64
	)

	cmd := &cobra.Command{
		Use:   "csf-intersection",
		Short: "Intersect CSF masks across a cohort of images",
		Long: `Uses all NIfTI T1-weighted images in a directory to create a CSF
mask of the areas a chosen proportion of the cohort agrees on.
Provide brain masks either as a corresponding directory or as one
shared mask for co-registered cohorts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			job := csf.NewIntersection(logger, imgDir)
			job.MaskDir = maskDir
			job.Prob = cfg.CSF.Prob
			job.MaskOptions = csf.Options{
				Threshold:     cfg.CSF.Threshold,
				MRF:           cfg.Segmentation.MRF,
				MaxIterations: cfg.Segmentation.MaxIterations,
			}
			// Explicit flags win over config file values
			if cmd.Flags().Changed("prob") {
				job.Prob = cohortProb
			}

			if sharedMask != "" {
				shared, err := nifti.ReadFile(sharedMask)
				if err != nil {
					return err
				}
				job.SharedMask = csf.FromNIfTI(shared)
			}

			result, err := job.Run()
			if err != nil {
				return err
			}
			return nifti.WriteVolume(outPath, result)
		},
	}

	cmd.Flags().StringVarP(&imgDir, "img-dir", "i", "",
		"directory containing the cohort images")
	cmd.Flags().StringVarP(&maskDir, "mask-dir", "m", "",
		"directory of brain masks paired by base filename")
	cmd.Flags().StringVar(&sharedMask, "shared-mask", "",
		"single brain mask shared by every image")
	cmd.Flags().StringVarP(&outPath, "output", "o", "",
		"output intersection mask file")
	cmd.Flags().Float64Var(&cohortProb, "prob", 1.0,
		"proportion of the cohort that must label a voxel CSF")
	_ = cmd.MarkFlagRequired("img-dir")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

// applyN4Opts overlays key=value pairs from --n4-opts onto the bias
// correction options.
func applyN4Opts(opts *biasfield.Options, pairs []string) error {
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid n4 option %q, expected key=value", pair)
		}
		switch key {
		case "maxIterations":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid n4 maxIterations %q: %v", value, err)
			}
			opts.MaxIterations = n
		case "convergence":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("invalid n4 convergence %q: %v", value, err)
			}
			opts.Convergence = f
		case "degree":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid n4 degree %q: %v", value, err)
			}
			opts.Degree = n
		default:
			return fmt.Errorf("unknown n4 option %q", key)
		}
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
			_ = logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
