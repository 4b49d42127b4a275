// Package stereo turns rectified stereo frames into disparity and depth
// fields using a pluggable block matcher.
package stereo

import (
	"image"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/depthsense/calibration"
	"github.com/viam-labs/depthsense/camera"
)

// DisparityField is one matcher output: the disparity in pixels per
// rectified pixel, a min-max normalized byte rendition for display and
// segmentation, and the rectified frame it was matched on.
type DisparityField struct {
	Data       *mat.Dense
	Normalized *image.Gray
	Rectified  *camera.StereoFrame
}

// DepthField is a per-pixel metric depth field. Pixels with no disparity
// carry depth zero.
type DepthField struct {
	Data *mat.Dense
}

// MatcherConfig carries the semi-global block matching tuning knobs.
type MatcherConfig struct {
	BlockSize         int `json:"block_size"`
	MinDisparity      int `json:"min_disparity"`
	MaxDisparity      int `json:"max_disparity"`
	P1                int `json:"p1"`
	P2                int `json:"p2"`
	Disp12MaxDiff     int `json:"disp12_max_diff"`
	UniquenessRatio   int `json:"uniqueness_ratio"`
	SpeckleWindowSize int `json:"speckle_window_size"`
	SpeckleRange      int `json:"speckle_range"`
}

// DefaultMatcherConfig returns the tuning the rig ships with.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		BlockSize:         15,
		MinDisparity:      -16,
		MaxDisparity:      128,
		P1:                150,
		P2:                64,
		Disp12MaxDiff:     0,
		UniquenessRatio:   4,
		SpeckleWindowSize: 200,
		SpeckleRange:      4,
	}
}

// NumDisparities returns the matcher search range width.
func (c MatcherConfig) NumDisparities() int {
	return c.MaxDisparity - c.MinDisparity
}

// Validate checks the block matching constraints.
func (c MatcherConfig) Validate() error {
	if c.BlockSize < 1 || c.BlockSize%2 == 0 {
		return errors.Errorf("block size must be odd and positive, got %d", c.BlockSize)
	}
	if n := c.NumDisparities(); n <= 0 || n%16 != 0 {
		return errors.Errorf("disparity range must be a positive multiple of 16, got %d", n)
	}
	return nil
}

// Matcher computes the raw fixed-point disparity of a rectified stereo
// frame. Values are disparities scaled by 16, matching the block matcher
// output convention.
type Matcher interface {
	ComputeRaw(frame *camera.StereoFrame) (*mat.Dense, error)
}

// Engine owns the disparity and depth computations of one calibrated rig.
type Engine struct {
	params  *calibration.Parameters
	matcher Matcher
	logger  golog.Logger
}

// NewEngine returns a stereo engine over a parameter set and matcher. The
// parameters may be incomplete at construction; operations fail with
// ErrNotCalibrated until they are complete.
func NewEngine(params *calibration.Parameters, matcher Matcher, logger golog.Logger) *Engine {
	return &Engine{params: params, matcher: matcher, logger: logger}
}

// ComputeDisparity rectifies a raw stereo frame and runs the matcher on
// it. The raw fixed-point output is scaled to whole pixels, negative
// matches are clamped to zero, and the byte rendition is stretched over
// the field's own min and max.
func (e *Engine) ComputeDisparity(frame *camera.StereoFrame) (*DisparityField, error) {
	if !e.params.Complete() {
		return nil, calibration.NewNotCalibratedError("compute disparity")
	}
	rectified, err := e.params.Rectify(frame)
	if err != nil {
		return nil, err
	}
	raw, err := e.matcher.ComputeRaw(rectified)
	if err != nil {
		return nil, errors.Wrap(err, "block matching failed")
	}
	field := ScaleDisparity(raw)
	field.Rectified = rectified
	return field, nil
}

// ScaleDisparity converts raw fixed-point matcher output into a
// DisparityField: divide by 16, clamp negatives to zero, and normalize
// the byte rendition over the observed range. A constant field normalizes
// to all zeros.
func ScaleDisparity(raw *mat.Dense) *DisparityField {
	rows, cols := raw.Dims()
	data := mat.NewDense(rows, cols, nil)
	minV, maxV := math.Inf(1), math.Inf(-1)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := raw.At(r, c) / 16
			if v < 0 {
				v = 0
			}
			data.Set(r, c, v)
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}

	norm := image.NewGray(image.Rect(0, 0, cols, rows))
	if span := maxV - minV; span > 0 {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				norm.Pix[r*norm.Stride+c] = uint8(math.Round((data.At(r, c) - minV) / span * 255))
			}
		}
	}
	return &DisparityField{Data: data, Normalized: norm}
}

// DepthFromDisparity reprojects a disparity field into metric depth using
// the disparity-to-depth matrix: depth = focal * baseline / disparity.
// Zero-disparity pixels have no depth and stay zero.
func (e *Engine) DepthFromDisparity(field *DisparityField) (*DepthField, error) {
	if !e.params.Complete() {
		return nil, calibration.NewNotCalibratedError("compute depth")
	}
	q := e.params.DispToDepthMat
	focal := q.At(2, 3)
	invBaseline := q.At(3, 2)
	if invBaseline == 0 {
		return nil, errors.Wrap(calibration.ErrCalibrationDivergent, "disparity-to-depth matrix has zero baseline")
	}

	rows, cols := field.Data.Dims()
	depth := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			d := field.Data.At(r, c)
			if d <= 0 {
				continue
			}
			depth.Set(r, c, focal/(invBaseline*d))
		}
	}
	return &DepthField{Data: depth}, nil
}
