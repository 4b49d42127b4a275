package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// minExtrinsicObservations is the smallest number of target poses that
// gives a well conditioned extrinsic solve; a single pose is planar and
// degenerate for the fundamental matrix.
const minExtrinsicObservations = 2

// ExtrinsicEstimate is the relative pose of the right camera with respect
// to the left one, together with the two-view matrices it was derived
// from. Right-camera coordinates are RotMat*x + TransVec for a point x in
// left-camera coordinates.
type ExtrinsicEstimate struct {
	RotMat         *mat.Dense
	TransVec       *mat.Dense
	EssentialMat   *mat.Dense
	FundamentalMat *mat.Dense
}

// EstimateExtrinsics recovers the stereo extrinsics from the pooled corner
// correspondences of a calibration run. The fundamental matrix comes from
// a normalized eight-point solve, the pose from the decomposed essential
// matrix, and the metric scale of the baseline from the known physical
// spacing of the calibration target grid.
func EstimateExtrinsics(obs []Observation, camMats Sided[*mat.Dense]) (*ExtrinsicEstimate, error) {
	if len(obs) < minExtrinsicObservations {
		return nil, errors.Errorf("need at least %d target poses for the extrinsic solve, got %d",
			minExtrinsicObservations, len(obs))
	}
	var ptsL, ptsR []r2.Point
	for _, o := range obs {
		ptsL = append(ptsL, o.ImagePoints.Left...)
		ptsR = append(ptsR, o.ImagePoints.Right...)
	}
	if len(ptsL) != len(ptsR) {
		return nil, errors.New("left and right corner counts differ")
	}

	fMat, err := fundamentalFromPoints(ptsL, ptsR)
	if err != nil {
		return nil, err
	}
	eMat := essentialFromFundamental(camMats.Left, camMats.Right, fMat)

	rot, trans, err := poseFromEssential(eMat, camMats, ptsL, ptsR)
	if err != nil {
		return nil, err
	}

	scale, err := baselineScale(obs[0], camMats, rot, trans)
	if err != nil {
		return nil, err
	}
	trans.Scale(scale, trans)

	est := &ExtrinsicEstimate{RotMat: rot, TransVec: trans, EssentialMat: eMat, FundamentalMat: fMat}
	for _, m := range []*mat.Dense{est.RotMat, est.TransVec, est.EssentialMat, est.FundamentalMat} {
		if !allFinite(m) {
			return nil, errors.Wrap(ErrCalibrationDivergent, "extrinsic solve produced non-finite values")
		}
	}
	return est, nil
}

// fundamentalFromPoints runs the normalized eight-point algorithm over the
// correspondences.
func fundamentalFromPoints(ptsL, ptsR []r2.Point) (*mat.Dense, error) {
	n := len(ptsL)
	if n < 8 {
		return nil, errors.Errorf("need at least 8 correspondences, got %d", n)
	}
	normL, tL := normalizeImagePoints(ptsL)
	normR, tR := normalizeImagePoints(ptsR)

	a := mat.NewDense(n, 9, nil)
	for i := range normL {
		p1, p2 := normL[i], normR[i]
		a.SetRow(i, []float64{
			p2.X * p1.X, p2.X * p1.Y, p2.X,
			p2.Y * p1.X, p2.Y * p1.Y, p2.Y,
			p1.X, p1.Y, 1,
		})
	}

	null, err := smallestSingularVector(a)
	if err != nil {
		return nil, err
	}
	fMat := mat.NewDense(3, 3, null)

	// rank 2 constraint
	fMat, err = enforceRankTwo(fMat)
	if err != nil {
		return nil, err
	}

	// undo the normalizing transforms: F = Tr^T F Tl
	var tmp mat.Dense
	tmp.Mul(tR.T(), fMat)
	fMat.Mul(&tmp, tL)
	if f22 := fMat.At(2, 2); f22 != 0 {
		fMat.Scale(1/f22, fMat)
	}
	return fMat, nil
}

// essentialFromFundamental lifts F to the essential matrix through the
// intrinsics and re-enforces its rank.
func essentialFromFundamental(kLeft, kRight, fMat *mat.Dense) *mat.Dense {
	var tmp, eMat mat.Dense
	tmp.Mul(kRight.T(), fMat)
	eMat.Mul(&tmp, kLeft)
	out, err := enforceRankTwo(&eMat)
	if err != nil {
		return &eMat
	}
	return out
}

// decomposeEssential returns the two rotation candidates and the unit
// translation direction contained in an essential matrix.
func decomposeEssential(eMat *mat.Dense) (*mat.Dense, *mat.Dense, *mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(eMat, mat.SVDFull); !ok {
		return nil, nil, nil, errors.New("cannot factorize essential matrix")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	if mat.Det(&u) < 0 {
		u.Scale(-1, &u)
	}
	if mat.Det(&v) < 0 {
		v.Scale(-1, &v)
	}
	w := mat.NewDense(3, 3, []float64{0, 1, 0, -1, 0, 0, 0, 0, 1})

	var rotA, rotB mat.Dense
	rotA.Mul(&u, w)
	rotA.Mul(&rotA, v.T())
	rotB.Mul(&u, w.T())
	rotB.Mul(&rotB, v.T())

	trans := mat.NewDense(3, 1, []float64{u.At(0, 2), u.At(1, 2), u.At(2, 2)})
	return &rotA, &rotB, trans, nil
}

// poseFromEssential picks the one candidate pose that places triangulated
// points in front of both cameras.
func poseFromEssential(eMat *mat.Dense, camMats Sided[*mat.Dense], ptsL, ptsR []r2.Point) (*mat.Dense, *mat.Dense, error) {
	rotA, rotB, trans, err := decomposeEssential(eMat)
	if err != nil {
		return nil, nil, err
	}
	var transNeg mat.Dense
	transNeg.Scale(-1, trans)

	type candidate struct {
		rot   *mat.Dense
		trans *mat.Dense
	}
	candidates := []candidate{
		{rotA, trans}, {rotA, &transNeg}, {rotB, trans}, {rotB, &transNeg},
	}

	projLeft := projectionMatrix(camMats.Left, eye3(), mat.NewDense(3, 1, nil))
	best, bestCount := -1, -1
	for i, c := range candidates {
		projRight := projectionMatrix(camMats.Right, c.rot, c.trans)
		count := 0
		for j := range ptsL {
			pt, err := triangulatePoint(projLeft, projRight, ptsL[j], ptsR[j])
			if err != nil {
				continue
			}
			if pt[2] <= 0 {
				continue
			}
			// depth in the right camera frame
			zRight := c.rot.At(2, 0)*pt[0] + c.rot.At(2, 1)*pt[1] + c.rot.At(2, 2)*pt[2] + c.trans.At(2, 0)
			if zRight > 0 {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = i, count
		}
	}
	if best < 0 || bestCount == 0 {
		return nil, nil, errors.Wrap(ErrCalibrationDivergent, "no pose candidate passed the cheirality check")
	}
	chosen := candidates[best]
	rot := mat.DenseCopyOf(chosen.rot)
	transOut := mat.DenseCopyOf(chosen.trans)
	return rot, transOut, nil
}

// baselineScale recovers the metric scale of the unit-norm translation by
// comparing the reconstructed spacing of one observation's grid corners
// against the target's known physical spacing.
func baselineScale(o Observation, camMats Sided[*mat.Dense], rot, trans *mat.Dense) (float64, error) {
	if len(o.ObjectPoints) < 2 {
		return 0, errors.New("observation has too few target points for scale recovery")
	}
	trueSpacing := o.ObjectPoints[1].Sub(o.ObjectPoints[0]).Norm()
	if trueSpacing <= 0 {
		return 0, errors.New("calibration target spacing is zero")
	}

	projLeft := projectionMatrix(camMats.Left, eye3(), mat.NewDense(3, 1, nil))
	projRight := projectionMatrix(camMats.Right, rot, trans)

	sum, count := 0.0, 0
	for i := 0; i+1 < len(o.ImagePoints.Left) && i+1 < len(o.ObjectPoints); i++ {
		// only neighbors that are one grid step apart in the target
		if math.Abs(o.ObjectPoints[i+1].Sub(o.ObjectPoints[i]).Norm()-trueSpacing) > 1e-9 {
			continue
		}
		a, err := triangulatePoint(projLeft, projRight, o.ImagePoints.Left[i], o.ImagePoints.Right[i])
		if err != nil {
			continue
		}
		b, err := triangulatePoint(projLeft, projRight, o.ImagePoints.Left[i+1], o.ImagePoints.Right[i+1])
		if err != nil {
			continue
		}
		d := math.Sqrt((a[0]-b[0])*(a[0]-b[0]) + (a[1]-b[1])*(a[1]-b[1]) + (a[2]-b[2])*(a[2]-b[2]))
		if d > 0 && !math.IsInf(d, 0) && !math.IsNaN(d) {
			sum += d
			count++
		}
	}
	if count == 0 || sum == 0 {
		return 0, errors.Wrap(ErrCalibrationDivergent, "cannot recover baseline scale from target geometry")
	}
	return trueSpacing / (sum / float64(count)), nil
}

// triangulatePoint solves the linear triangulation system for one
// correspondence and returns the 3D point in left-camera coordinates.
func triangulatePoint(projLeft, projRight *mat.Dense, pl, pr r2.Point) ([3]float64, error) {
	sys := mat.NewDense(4, 4, nil)
	for c := 0; c < 4; c++ {
		sys.Set(0, c, pl.X*projLeft.At(2, c)-projLeft.At(0, c))
		sys.Set(1, c, pl.Y*projLeft.At(2, c)-projLeft.At(1, c))
		sys.Set(2, c, pr.X*projRight.At(2, c)-projRight.At(0, c))
		sys.Set(3, c, pr.Y*projRight.At(2, c)-projRight.At(1, c))
	}
	null, err := smallestSingularVector(sys)
	if err != nil {
		return [3]float64{}, err
	}
	if null[3] == 0 {
		return [3]float64{}, errors.New("triangulated point at infinity")
	}
	return [3]float64{null[0] / null[3], null[1] / null[3], null[2] / null[3]}, nil
}

// projectionMatrix builds K[R|t].
func projectionMatrix(k, rot, trans *mat.Dense) *mat.Dense {
	var rt mat.Dense
	rt.Augment(rot, trans)
	out := mat.NewDense(3, 4, nil)
	out.Mul(k, &rt)
	return out
}

// normalizePoints centers the points on their centroid and scales their
// mean distance to sqrt(2), as in Hartley's normalized eight-point
// algorithm, returning the transformed points and the 3x3 transform.
func normalizeImagePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	n := float64(len(pts))
	var mu r2.Point
	for _, p := range pts {
		mu.X += p.X
		mu.Y += p.Y
	}
	mu = mu.Mul(1 / n)

	d := 0.0
	for _, p := range pts {
		dx, dy := p.X-mu.X, p.Y-mu.Y
		d += math.Sqrt(dx*dx+dy*dy) / n
	}
	scale := math.Sqrt2 / d
	transform := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: scale * (p.X - mu.X), Y: scale * (p.Y - mu.Y)}
	}
	return out, transform
}

// smallestSingularVector returns the right singular vector matching the
// smallest singular value of a.
func smallestSingularVector(a *mat.Dense) ([]float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("svd factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	out := make([]float64, 0, cols)
	for r := 0; r < cols; r++ {
		out = append(out, v.At(r, cols-1))
	}
	return out, nil
}

// enforceRankTwo zeroes the smallest singular value of a 3x3 matrix.
func enforceRankTwo(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("svd factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)
	s := mat.NewDense(3, 3, nil)
	s.Set(0, 0, vals[0])
	s.Set(1, 1, vals[1])

	var tmp mat.Dense
	tmp.Mul(&u, s)
	out := mat.NewDense(3, 3, nil)
	out.Mul(&tmp, v.T())
	return out, nil
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func allFinite(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
