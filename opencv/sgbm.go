package opencv

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/depthsense/camera"
	"github.com/viam-labs/depthsense/stereo"
)

// SGBM is the semi-global block matcher. Output values are fixed-point
// disparities scaled by 16.
type SGBM struct {
	matcher gocv.StereoSGBM
}

// NewSGBM builds a matcher from the tuning config.
func NewSGBM(cfg stereo.MatcherConfig) (*SGBM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	matcher := gocv.NewStereoSGBMWithParams(
		cfg.MinDisparity,
		cfg.NumDisparities(),
		cfg.BlockSize,
		cfg.P1,
		cfg.P2,
		cfg.Disp12MaxDiff,
		0, // preFilterCap
		cfg.UniquenessRatio,
		cfg.SpeckleWindowSize,
		cfg.SpeckleRange,
		gocv.StereoSgbmModeSgbm,
	)
	return &SGBM{matcher: matcher}, nil
}

// ComputeRaw matches a rectified stereo frame. The result is the
// matcher's 16-bit fixed-point disparity widened to float64.
func (s *SGBM) ComputeRaw(frame *camera.StereoFrame) (*mat.Dense, error) {
	left, err := gocv.ImageGrayToMatGray(frame.Left)
	if err != nil {
		return nil, errors.Wrap(err, "cannot convert left image")
	}
	defer left.Close()
	right, err := gocv.ImageGrayToMatGray(frame.Right)
	if err != nil {
		return nil, errors.Wrap(err, "cannot convert right image")
	}
	defer right.Close()

	disp := gocv.NewMat()
	defer disp.Close()
	s.matcher.Compute(left, right, &disp)

	rows, cols := disp.Rows(), disp.Cols()
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, float64(disp.GetShortAt(r, c)))
		}
	}
	return out, nil
}

// Close releases the matcher.
func (s *SGBM) Close() error {
	return multierr.Combine(s.matcher.Close())
}
