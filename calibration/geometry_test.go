package calibration

import (
	"image"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/depthsense/camera"
)

// stereoRig is a synthetic ground-truth setup used by the geometry tests:
// known intrinsics shared by both cameras and a known relative pose.
type stereoRig struct {
	k    *mat.Dense
	rot  *mat.Dense
	t    *mat.Dense
	size image.Point
}

func testRig() *stereoRig {
	return &stereoRig{
		k:    mat.NewDense(3, 3, []float64{800, 0, 320, 0, 800, 240, 0, 0, 1}),
		rot:  expSO3([]float64{0.01, 0.04, -0.02}),
		t:    mat.NewDense(3, 1, []float64{-0.06, 0.002, 0.001}),
		size: image.Point{X: 640, Y: 480},
	}
}

// project maps a point in left-camera coordinates onto both image planes.
func (r *stereoRig) project(p r3.Vector) (r2.Point, r2.Point) {
	left := r2.Point{
		X: r.k.At(0, 0)*p.X/p.Z + r.k.At(0, 2),
		Y: r.k.At(1, 1)*p.Y/p.Z + r.k.At(1, 2),
	}
	rx := r.rot.At(0, 0)*p.X + r.rot.At(0, 1)*p.Y + r.rot.At(0, 2)*p.Z + r.t.At(0, 0)
	ry := r.rot.At(1, 0)*p.X + r.rot.At(1, 1)*p.Y + r.rot.At(1, 2)*p.Z + r.t.At(1, 0)
	rz := r.rot.At(2, 0)*p.X + r.rot.At(2, 1)*p.Y + r.rot.At(2, 2)*p.Z + r.t.At(2, 0)
	right := r2.Point{
		X: r.k.At(0, 0)*rx/rz + r.k.At(0, 2),
		Y: r.k.At(1, 1)*ry/rz + r.k.At(1, 2),
	}
	return left, right
}

// observe renders the pattern at a given pose (rotation vector and
// translation of the target plane in left-camera coordinates) into one
// Observation.
func (r *stereoRig) observe(pattern PatternConfig, poseRot []float64, poseT r3.Vector) Observation {
	board := expSO3(poseRot)
	obs := Observation{ObjectPoints: pattern.targetPoints()}
	for _, op := range pattern.targetPoints() {
		world := r3.Vector{
			X: board.At(0, 0)*op.X + board.At(0, 1)*op.Y + poseT.X,
			Y: board.At(1, 0)*op.X + board.At(1, 1)*op.Y + poseT.Y,
			Z: board.At(2, 0)*op.X + board.At(2, 1)*op.Y + poseT.Z,
		}
		l, rt := r.project(world)
		obs.ImagePoints.Left = append(obs.ImagePoints.Left, l)
		obs.ImagePoints.Right = append(obs.ImagePoints.Right, rt)
	}
	return obs
}

func (r *stereoRig) observations(pattern PatternConfig) []Observation {
	return []Observation{
		r.observe(pattern, []float64{0, 0, 0}, r3.Vector{X: -0.05, Y: -0.04, Z: 0.5}),
		r.observe(pattern, []float64{0.3, 0, 0.1}, r3.Vector{X: -0.02, Y: -0.06, Z: 0.6}),
		r.observe(pattern, []float64{-0.1, 0.4, 0}, r3.Vector{X: -0.08, Y: 0.0, Z: 0.7}),
	}
}

func TestRodriguesRoundTrip(t *testing.T) {
	for _, om := range [][]float64{
		{0, 0, 0},
		{0.1, 0, 0},
		{0, -0.4, 0.2},
		{1.2, 0.7, -0.5},
	} {
		got := logSO3(expSO3(om))
		for i := range om {
			test.That(t, got[i], test.ShouldAlmostEqual, om[i], 1e-10)
		}
	}
}

func TestEstimateExtrinsics(t *testing.T) {
	rig := testRig()
	pattern := PatternConfig{Rows: 4, Cols: 5, SquareSize: 0.03}
	obs := rig.observations(pattern)
	camMats := Sided[*mat.Dense]{Left: rig.k, Right: rig.k}

	est, err := EstimateExtrinsics(obs, camMats)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.EqualApprox(est.RotMat, rig.rot, 1e-4), test.ShouldBeTrue)
	test.That(t, mat.EqualApprox(est.TransVec, rig.t, 1e-4), test.ShouldBeTrue)

	// epipolar constraint on the recovered fundamental matrix
	for _, o := range obs {
		for i := range o.ImagePoints.Left {
			l, r := o.ImagePoints.Left[i], o.ImagePoints.Right[i]
			f := est.FundamentalMat
			v := r.X*(f.At(0, 0)*l.X+f.At(0, 1)*l.Y+f.At(0, 2)) +
				r.Y*(f.At(1, 0)*l.X+f.At(1, 1)*l.Y+f.At(1, 2)) +
				(f.At(2, 0)*l.X + f.At(2, 1)*l.Y + f.At(2, 2))
			test.That(t, math.Abs(v), test.ShouldBeLessThan, 1e-6)
		}
	}
}

func TestEstimateExtrinsicsNeedsMultiplePoses(t *testing.T) {
	rig := testRig()
	pattern := PatternConfig{Rows: 4, Cols: 5, SquareSize: 0.03}
	obs := rig.observations(pattern)[:1]
	_, err := EstimateExtrinsics(obs, Sided[*mat.Dense]{Left: rig.k, Right: rig.k})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestComputeRectificationAlignedRig(t *testing.T) {
	// an already rectified rig: identity rotation, purely horizontal
	// baseline, principal point at the image center
	size := image.Point{X: 640, Y: 480}
	k := mat.NewDense(3, 3, []float64{800, 0, 319.5, 0, 800, 239.5, 0, 0, 1})
	p := &Parameters{
		CamMats:    Sided[*mat.Dense]{Left: k, Right: k},
		DistCoeffs: Sided[*mat.Dense]{Left: mat.NewDense(1, 5, nil), Right: mat.NewDense(1, 5, nil)},
		RotMat:     eye3(),
		TransVec:   mat.NewDense(3, 1, []float64{-0.06, 0, 0}),
	}
	test.That(t, ComputeRectification(p, size), test.ShouldBeNil)

	test.That(t, mat.EqualApprox(p.RectTrans.Left, eye3(), 1e-12), test.ShouldBeTrue)
	test.That(t, mat.EqualApprox(p.RectTrans.Right, eye3(), 1e-12), test.ShouldBeTrue)
	test.That(t, p.ProjMats.Left.At(0, 3), test.ShouldEqual, 0)
	test.That(t, p.ProjMats.Right.At(0, 3), test.ShouldAlmostEqual, -800*0.06, 1e-9)

	// Z = f*B/d through the disparity-to-depth matrix
	q := p.DispToDepthMat
	d := 16.0
	z := q.At(2, 3) / (q.At(3, 2) * d)
	test.That(t, z, test.ShouldAlmostEqual, 800*0.06/d, 1e-9)

	test.That(t, BuildRectifyMaps(p, size), test.ShouldBeNil)
	for _, side := range Sides() {
		mx := p.UndistortionMaps.Get(side)
		my := p.RectificationMaps.Get(side)
		test.That(t, mx.Width(), test.ShouldEqual, size.X)
		test.That(t, my.Height(), test.ShouldEqual, size.Y)
		// the maps are the identity for this rig
		test.That(t, float64(mx.At(100, 50)), test.ShouldAlmostEqual, 100, 1e-4)
		test.That(t, float64(my.At(100, 50)), test.ShouldAlmostEqual, 50, 1e-4)
		test.That(t, p.ValidBoxes.Get(side), test.ShouldResemble, image.Rect(0, 0, size.X, size.Y))
	}
}

type fakeFinder struct {
	corners []Sided[[]r2.Point]
	call    int
}

func (f *fakeFinder) FindCorners(_ *image.Gray, _ PatternConfig) ([]r2.Point, bool, error) {
	obs := f.corners[f.call/2]
	pts := obs.Left
	if f.call%2 == 1 {
		pts = obs.Right
	}
	f.call++
	return pts, true, nil
}

type fakeSolver struct {
	k *mat.Dense
}

func (s *fakeSolver) SolveIntrinsics(_ []Observation, _ image.Point) (*StereoSolution, error) {
	dist := func() *mat.Dense { return mat.NewDense(1, 5, nil) }
	return &StereoSolution{
		CamMats:    Sided[*mat.Dense]{Left: s.k, Right: s.k},
		DistCoeffs: Sided[*mat.Dense]{Left: dist(), Right: dist()},
	}, nil
}

func TestCalibratorEndToEnd(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testRig()
	pattern := PatternConfig{Rows: 4, Cols: 5, SquareSize: 0.03}
	obs := rig.observations(pattern)

	finder := &fakeFinder{}
	for _, o := range obs {
		finder.corners = append(finder.corners, o.ImagePoints)
	}
	cal, err := NewCalibrator(pattern, finder, logger)
	test.That(t, err, test.ShouldBeNil)

	for range obs {
		frame := &camera.StereoFrame{
			Left:  image.NewGray(image.Rect(0, 0, rig.size.X, rig.size.Y)),
			Right: image.NewGray(image.Rect(0, 0, rig.size.X, rig.size.Y)),
		}
		ok, err := cal.AddFrame(frame)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ok, test.ShouldBeTrue)
	}
	test.That(t, cal.Observations(), test.ShouldEqual, len(obs))

	p, err := cal.Calibrate(&fakeSolver{k: rig.k})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Complete(), test.ShouldBeTrue)
	test.That(t, mat.EqualApprox(p.RotMat, rig.rot, 1e-4), test.ShouldBeTrue)
	test.That(t, mat.EqualApprox(p.TransVec, rig.t, 1e-4), test.ShouldBeTrue)
}
