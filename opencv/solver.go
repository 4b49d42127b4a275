package opencv

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/depthsense/calibration"
)

// Solver estimates per-side pinhole intrinsics from chessboard
// observations. The rig policy is a single focal length shared across
// both cameras and no tangential distortion; both are enforced on the
// solver output.
type Solver struct{}

// NewSolver returns an intrinsic solver.
func NewSolver() *Solver {
	return &Solver{}
}

// SolveIntrinsics calibrates each camera independently over the shared
// observations.
func (s *Solver) SolveIntrinsics(obs []calibration.Observation, size image.Point) (*calibration.StereoSolution, error) {
	if len(obs) == 0 {
		return nil, errors.New("no observations to solve from")
	}
	sol := &calibration.StereoSolution{}
	for _, side := range calibration.Sides() {
		camMat, dist, reproj, err := calibrateSide(obs, side, size)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot calibrate %s camera", side)
		}
		sol.CamMats.Set(side, camMat)
		sol.DistCoeffs.Set(side, dist)
		sol.ReprojErrs.Set(side, reproj)
	}
	// the cameras are identical modules, so one focal length serves both
	f := (sol.CamMats.Left.At(0, 0) + sol.CamMats.Right.At(0, 0)) / 2
	for _, side := range calibration.Sides() {
		k := sol.CamMats.Get(side)
		k.Set(0, 0, f)
		k.Set(1, 1, f)
	}
	return sol, nil
}

func calibrateSide(obs []calibration.Observation, side calibration.Side, size image.Point) (*mat.Dense, *mat.Dense, float64, error) {
	objectPoints := gocv.NewPoints3fVector()
	defer objectPoints.Close()
	imagePoints := gocv.NewPoints2fVector()
	defer imagePoints.Close()

	for _, o := range obs {
		obj := make([]gocv.Point3f, 0, len(o.ObjectPoints))
		for _, p := range o.ObjectPoints {
			obj = append(obj, gocv.NewPoint3f(float32(p.X), float32(p.Y), float32(p.Z)))
		}
		objectPoints.Append(gocv.NewPoint3fVectorFromPoints(obj))

		pts := o.ImagePoints.Get(side)
		img := make([]gocv.Point2f, 0, len(pts))
		for _, p := range pts {
			img = append(img, gocv.NewPoint2f(float32(p.X), float32(p.Y)))
		}
		imagePoints.Append(gocv.NewPoint2fVectorFromPoints(img))
	}

	camMat := gocv.NewMat()
	defer camMat.Close()
	distCoeffs := gocv.NewMat()
	defer distCoeffs.Close()
	rvecs := gocv.NewMat()
	defer rvecs.Close()
	tvecs := gocv.NewMat()
	defer tvecs.Close()

	reproj := gocv.CalibrateCamera(objectPoints, imagePoints, size,
		&camMat, &distCoeffs, &rvecs, &tvecs, gocv.CalibFlag(0))

	k := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			k.Set(r, c, camMat.GetDoubleAt(r, c))
		}
	}
	// single focal length per camera
	f := (k.At(0, 0) + k.At(1, 1)) / 2
	k.Set(0, 0, f)
	k.Set(1, 1, f)

	d := mat.NewDense(1, 5, nil)
	n := distCoeffs.Rows() * distCoeffs.Cols()
	for i := 0; i < n && i < 5; i++ {
		if distCoeffs.Rows() == 1 {
			d.Set(0, i, distCoeffs.GetDoubleAt(0, i))
		} else {
			d.Set(0, i, distCoeffs.GetDoubleAt(i, 0))
		}
	}
	// no tangential distortion on this rig
	d.Set(0, 2, 0)
	d.Set(0, 3, 0)

	return k, d, reproj, nil
}
