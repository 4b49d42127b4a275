package calibration

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/depthsense/camera"
)

// PatternConfig describes the chessboard calibration target: inner corner
// counts and the physical edge length of one square in the unit the rest
// of the pipeline reports distances in.
type PatternConfig struct {
	Rows       int
	Cols       int
	SquareSize float64
}

// Validate checks the target description.
func (c PatternConfig) Validate() error {
	if c.Rows < 2 || c.Cols < 2 {
		return errors.Errorf("chessboard needs at least 2x2 inner corners, got %dx%d", c.Rows, c.Cols)
	}
	if c.SquareSize <= 0 {
		return errors.New("chessboard square size must be positive")
	}
	return nil
}

// targetPoints lays the target's corners out on the Z=0 plane in
// row-major order, matching the detector's corner ordering.
func (c PatternConfig) targetPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, c.Rows*c.Cols)
	for r := 0; r < c.Rows; r++ {
		for col := 0; col < c.Cols; col++ {
			pts = append(pts, r3.Vector{X: float64(col) * c.SquareSize, Y: float64(r) * c.SquareSize})
		}
	}
	return pts
}

// Observation is one accepted stereo view of the target: the target's
// corners in its own plane and their detected image positions per side.
type Observation struct {
	ObjectPoints []r3.Vector
	ImagePoints  Sided[[]r2.Point]
}

// CornerFinder locates the target's inner corners in one image, in
// row-major target order. Found is false when the target is not fully
// visible; that is not an error.
type CornerFinder interface {
	FindCorners(img *image.Gray, pattern PatternConfig) (corners []r2.Point, found bool, err error)
}

// StereoSolution is the per-side intrinsic solve result handed back by a
// StereoSolver.
type StereoSolution struct {
	CamMats    Sided[*mat.Dense]
	DistCoeffs Sided[*mat.Dense]
	// Mean reprojection error per side, in pixels.
	ReprojErrs Sided[float64]
}

// Calibrator accumulates stereo target observations and turns them into a
// complete Parameters set.
type Calibrator struct {
	pattern   PatternConfig
	finder    CornerFinder
	logger    golog.Logger
	imageSize image.Point
	obs       []Observation
	frameNum  int
	// when non-empty, every accepted frame is saved with its detected
	// corners drawn in, for visual inspection of the detection quality
	cornerDir string
}

// NewCalibrator returns a calibrator for the given target.
func NewCalibrator(pattern PatternConfig, finder CornerFinder, logger golog.Logger) (*Calibrator, error) {
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	return &Calibrator{pattern: pattern, finder: finder, logger: logger}, nil
}

// SetCornerDir enables saving annotated corner-detection images under dir.
func (c *Calibrator) SetCornerDir(dir string) {
	c.cornerDir = dir
}

// Observations returns how many stereo views have been accepted so far.
func (c *Calibrator) Observations() int {
	return len(c.obs)
}

// AddFrame runs corner detection on both sides of a stereo frame. The
// frame is accepted only when the full target is found in both images;
// the return value reports acceptance.
func (c *Calibrator) AddFrame(frame *camera.StereoFrame) (bool, error) {
	c.frameNum++
	if !frame.SameSize() {
		return false, errors.New("stereo frame sides have different sizes")
	}
	if c.imageSize == (image.Point{}) {
		c.imageSize = frame.Left.Bounds().Size()
	} else if frame.Left.Bounds().Size() != c.imageSize {
		return false, errors.Errorf("frame size %v does not match earlier frames %v",
			frame.Left.Bounds().Size(), c.imageSize)
	}

	var corners Sided[[]r2.Point]
	for _, side := range Sides() {
		img := frame.Left
		if side == Right {
			img = frame.Right
		}
		pts, found, err := c.finder.FindCorners(img, c.pattern)
		if err != nil {
			return false, errors.Wrapf(err, "corner detection failed on %s image", side)
		}
		if !found {
			c.logger.Infow("chessboard not fully visible, skipping frame",
				"frame", c.frameNum, "side", side.String())
			return false, nil
		}
		corners.Set(side, pts)
	}

	c.obs = append(c.obs, Observation{
		ObjectPoints: c.pattern.targetPoints(),
		ImagePoints:  corners,
	})
	c.logger.Infow("accepted calibration frame", "frame", c.frameNum, "total", len(c.obs))

	if c.cornerDir != "" {
		if err := c.saveCornerImages(frame, corners); err != nil {
			c.logger.Warnw("cannot save corner inspection images", "error", err)
		}
	}
	return true, nil
}

// saveCornerImages writes both sides of the frame with detected corners
// drawn as circles, numbered per accepted frame.
func (c *Calibrator) saveCornerImages(frame *camera.StereoFrame, corners Sided[[]r2.Point]) error {
	if err := os.MkdirAll(c.cornerDir, 0o755); err != nil {
		return err
	}
	for _, side := range Sides() {
		img := frame.Left
		if side == Right {
			img = frame.Right
		}
		dc := gg.NewContextForImage(img)
		dc.SetRGB(0, 1, 0)
		dc.SetLineWidth(1.5)
		for _, pt := range corners.Get(side) {
			dc.DrawCircle(pt.X, pt.Y, 4)
			dc.Stroke()
		}
		name := fmt.Sprintf("%s_%02d.png", side, len(c.obs))
		if err := camera.WriteImageToFile(filepath.Join(c.cornerDir, name), dc.Image()); err != nil {
			return err
		}
	}
	return nil
}

// StereoSolver estimates per-side intrinsics and distortion from the
// accumulated observations.
type StereoSolver interface {
	SolveIntrinsics(obs []Observation, imageSize image.Point) (*StereoSolution, error)
}

// Calibrate runs the full geometric solve: per-side intrinsics through
// the solver, then extrinsics, rectification transforms, the
// disparity-to-depth matrix, and the remap tables. A solve that produces
// non-finite values fails with ErrCalibrationDivergent and yields no
// parameters.
func (c *Calibrator) Calibrate(solver StereoSolver) (*Parameters, error) {
	if len(c.obs) < minExtrinsicObservations {
		return nil, errors.Errorf("need at least %d accepted frames to calibrate, got %d",
			minExtrinsicObservations, len(c.obs))
	}

	sol, err := solver.SolveIntrinsics(c.obs, c.imageSize)
	if err != nil {
		return nil, errors.Wrap(err, "intrinsic solve failed")
	}
	for _, side := range Sides() {
		if !allFinite(sol.CamMats.Get(side)) || !allFinite(sol.DistCoeffs.Get(side)) {
			return nil, errors.Wrap(ErrCalibrationDivergent, "intrinsic solve produced non-finite values")
		}
		c.logger.Infow("intrinsics solved", "side", side.String(),
			"reprojErr", sol.ReprojErrs.Get(side))
	}

	ext, err := EstimateExtrinsics(c.obs, sol.CamMats)
	if err != nil {
		return nil, errors.Wrap(err, "extrinsic solve failed")
	}

	p := &Parameters{
		CamMats:        sol.CamMats,
		DistCoeffs:     sol.DistCoeffs,
		RotMat:         ext.RotMat,
		TransVec:       ext.TransVec,
		EssentialMat:   ext.EssentialMat,
		FundamentalMat: ext.FundamentalMat,
	}
	if err := ComputeRectification(p, c.imageSize); err != nil {
		return nil, err
	}
	if err := BuildRectifyMaps(p, c.imageSize); err != nil {
		return nil, err
	}
	if !p.Complete() {
		return nil, errors.Wrap(ErrCalibrationDivergent, "calibration finished with unset fields")
	}
	c.logger.Infow("stereo calibration complete", "frames", len(c.obs))
	return p, nil
}
