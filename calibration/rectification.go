package calibration

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// expSO3 converts a rotation vector to a rotation matrix through the
// Rodrigues formula.
func expSO3(om []float64) *mat.Dense {
	theta := math.Sqrt(om[0]*om[0] + om[1]*om[1] + om[2]*om[2])
	if theta < 1e-12 {
		return eye3()
	}
	kx, ky, kz := om[0]/theta, om[1]/theta, om[2]/theta
	c, s := math.Cos(theta), math.Sin(theta)
	oneC := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + kx*kx*oneC, kx*ky*oneC - kz*s, kx*kz*oneC + ky*s,
		ky*kx*oneC + kz*s, c + ky*ky*oneC, ky*kz*oneC - kx*s,
		kz*kx*oneC - ky*s, kz*ky*oneC + kx*s, c + kz*kz*oneC,
	})
}

// logSO3 converts a rotation matrix to its rotation vector.
func logSO3(r *mat.Dense) []float64 {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := math.Max(-1, math.Min(1, (trace-1)/2))
	theta := math.Acos(cosTheta)
	if theta < 1e-12 {
		return []float64{0, 0, 0}
	}
	axis := []float64{
		r.At(2, 1) - r.At(1, 2),
		r.At(0, 2) - r.At(2, 0),
		r.At(1, 0) - r.At(0, 1),
	}
	norm := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	if norm < 1e-12 {
		// theta near pi; recover the axis from the diagonal
		k := 0
		for i := 1; i < 3; i++ {
			if r.At(i, i) > r.At(k, k) {
				k = i
			}
		}
		v := math.Sqrt(math.Max(0, (r.At(k, k)+1)/2))
		out := []float64{0, 0, 0}
		out[k] = theta * v
		return out
	}
	scale := theta / norm
	return []float64{axis[0] * scale, axis[1] * scale, axis[2] * scale}
}

// ComputeRectification fills the rectification transforms, rectified
// projection matrices, and disparity-to-depth matrix of p from its
// intrinsics and extrinsics. Each camera is rotated by half the stereo
// rotation, then both are rotated to put the baseline on the rectified x
// axis so that epipolar lines become horizontal scanlines.
func ComputeRectification(p *Parameters, size image.Point) error {
	if p.CamMats.Left == nil || p.CamMats.Right == nil || p.RotMat == nil || p.TransVec == nil {
		return NewNotCalibratedError("compute rectification")
	}

	om := logSO3(p.RotMat)
	half := []float64{om[0] / 2, om[1] / 2, om[2] / 2}
	halfRot := expSO3(half)
	var halfRotInv mat.Dense
	if err := halfRotInv.Inverse(halfRot); err != nil {
		return errors.Wrap(ErrCalibrationDivergent, "half rotation is singular")
	}

	// translation in the frame halfway between the cameras
	var t mat.Dense
	t.Mul(&halfRotInv, p.TransVec)
	tx, ty, tz := t.At(0, 0), t.At(1, 0), t.At(2, 0)
	baseline := math.Sqrt(tx*tx + ty*ty + tz*tz)
	if baseline <= 0 {
		return errors.Wrap(ErrCalibrationDivergent, "stereo baseline is zero")
	}

	// basis with the baseline on the x axis, oriented so the right camera
	// sits at positive x and disparities come out positive
	e1 := [3]float64{-tx / baseline, -ty / baseline, -tz / baseline}
	planar := math.Sqrt(e1[0]*e1[0] + e1[1]*e1[1])
	if planar < 1e-9 {
		return errors.Wrap(ErrCalibrationDivergent, "stereo baseline has no horizontal component")
	}
	e2 := [3]float64{-e1[1] / planar, e1[0] / planar, 0}
	e3 := [3]float64{
		e1[1]*e2[2] - e1[2]*e2[1],
		e1[2]*e2[0] - e1[0]*e2[2],
		e1[0]*e2[1] - e1[1]*e2[0],
	}
	rowAlign := mat.NewDense(3, 3, []float64{
		e1[0], e1[1], e1[2],
		e2[0], e2[1], e2[2],
		e3[0], e3[1], e3[2],
	})

	rectLeft := mat.NewDense(3, 3, nil)
	rectLeft.Mul(rowAlign, halfRot)
	rectRight := mat.NewDense(3, 3, nil)
	rectRight.Mul(rowAlign, &halfRotInv)
	p.RectTrans = Sided[*mat.Dense]{Left: rectLeft, Right: rectRight}

	// shared rectified pinhole
	f := (p.CamMats.Left.At(0, 0) + p.CamMats.Left.At(1, 1) +
		p.CamMats.Right.At(0, 0) + p.CamMats.Right.At(1, 1)) / 4
	cx := float64(size.X-1) / 2
	cy := float64(size.Y-1) / 2

	p.ProjMats = Sided[*mat.Dense]{
		Left: mat.NewDense(3, 4, []float64{
			f, 0, cx, 0,
			0, f, cy, 0,
			0, 0, 1, 0,
		}),
		Right: mat.NewDense(3, 4, []float64{
			f, 0, cx, -f * baseline,
			0, f, cy, 0,
			0, 0, 1, 0,
		}),
	}

	// reprojection: [X Y Z W]^T = Q [x y disparity 1]^T, Z/W = f*B/d
	p.DispToDepthMat = mat.NewDense(4, 4, []float64{
		1, 0, 0, -cx,
		0, 1, 0, -cy,
		0, 0, 0, f,
		0, 0, 1 / baseline, 0,
	})
	return nil
}

// BuildRectifyMaps computes per-side remap tables by tracing every
// rectified pixel back through the rectification transform and the lens
// distortion model to its source position, and records the bounding box
// of pixels whose source lands inside the image.
func BuildRectifyMaps(p *Parameters, size image.Point) error {
	if p.RectTrans.Left == nil || p.RectTrans.Right == nil ||
		p.ProjMats.Left == nil || p.ProjMats.Right == nil {
		return NewNotCalibratedError("build rectification maps")
	}
	for _, side := range Sides() {
		mapX, mapY, box, err := rectifyMapsForSide(
			p.CamMats.Get(side), p.DistCoeffs.Get(side),
			p.RectTrans.Get(side), p.ProjMats.Get(side), size)
		if err != nil {
			return err
		}
		p.UndistortionMaps.Set(side, mapX)
		p.RectificationMaps.Set(side, mapY)
		*p.ValidBoxes.Ptr(side) = box
	}
	return nil
}

func rectifyMapsForSide(camMat, dist, rect, proj *mat.Dense, size image.Point) (*FloatMap, *FloatMap, image.Rectangle, error) {
	newK := mat.NewDense(3, 3, []float64{
		proj.At(0, 0), proj.At(0, 1), proj.At(0, 2),
		proj.At(1, 0), proj.At(1, 1), proj.At(1, 2),
		proj.At(2, 0), proj.At(2, 1), proj.At(2, 2),
	})
	var fwd, inv mat.Dense
	fwd.Mul(newK, rect)
	if err := inv.Inverse(&fwd); err != nil {
		return nil, nil, image.Rectangle{}, errors.Wrap(ErrCalibrationDivergent, "rectification transform is singular")
	}

	k1, k2, p1, p2, k3 := distCoeffValues(dist)
	fx, fy := camMat.At(0, 0), camMat.At(1, 1)
	ocx, ocy := camMat.At(0, 2), camMat.At(1, 2)

	mapX := NewFloatMap(size.X, size.Y)
	mapY := NewFloatMap(size.X, size.Y)
	var box image.Rectangle
	haveBox := false
	for v := 0; v < size.Y; v++ {
		for u := 0; u < size.X; u++ {
			x := inv.At(0, 0)*float64(u) + inv.At(0, 1)*float64(v) + inv.At(0, 2)
			y := inv.At(1, 0)*float64(u) + inv.At(1, 1)*float64(v) + inv.At(1, 2)
			w := inv.At(2, 0)*float64(u) + inv.At(2, 1)*float64(v) + inv.At(2, 2)
			if w == 0 {
				mapX.Set(u, v, -1)
				mapY.Set(u, v, -1)
				continue
			}
			x /= w
			y /= w

			r2 := x*x + y*y
			radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
			xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
			yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y

			sx := fx*xd + ocx
			sy := fy*yd + ocy
			mapX.Set(u, v, float32(sx))
			mapY.Set(u, v, float32(sy))

			rsx, rsy := int(math.Round(sx)), int(math.Round(sy))
			if rsx >= 0 && rsx < size.X && rsy >= 0 && rsy < size.Y {
				pt := image.Rect(u, v, u+1, v+1)
				if !haveBox {
					box = pt
					haveBox = true
				} else {
					box = box.Union(pt)
				}
			}
		}
	}
	if !haveBox {
		return nil, nil, image.Rectangle{}, errors.Wrap(ErrCalibrationDivergent, "no rectified pixel maps into the source image")
	}
	return mapX, mapY, box, nil
}

// distCoeffValues reads up to five Brown-Conrady coefficients from a row
// or column vector, padding the rest with zero.
func distCoeffValues(dist *mat.Dense) (k1, k2, p1, p2, k3 float64) {
	if dist == nil {
		return
	}
	r, c := dist.Dims()
	vals := make([]float64, 0, 5)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			vals = append(vals, dist.At(i, j))
		}
	}
	for len(vals) < 5 {
		vals = append(vals, 0)
	}
	return vals[0], vals[1], vals[2], vals[3], vals[4]
}
