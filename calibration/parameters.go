package calibration

import (
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/depthsense/camera"
)

// Parameters is the complete stereo geometric model. It is created empty,
// populated in one step by Calibrator.Calibrate or Store.Load, and must
// not be mutated afterwards; once complete it is safe for concurrent
// reads.
type Parameters struct {
	// Per-side 3x3 intrinsic matrices.
	CamMats Sided[*mat.Dense]
	// Per-side distortion coefficients (k1, k2, p1, p2, k3).
	DistCoeffs Sided[*mat.Dense]
	// Stereo extrinsics: rotation (3x3) and translation (3x1) taking
	// left-camera coordinates to right-camera coordinates.
	RotMat   *mat.Dense
	TransVec *mat.Dense
	// Essential and fundamental matrices (3x3).
	EssentialMat   *mat.Dense
	FundamentalMat *mat.Dense
	// Per-side 3x3 rectification transforms.
	RectTrans Sided[*mat.Dense]
	// Per-side 3x4 projection matrices in the rectified frame.
	ProjMats Sided[*mat.Dense]
	// 4x4 disparity-to-depth mapping matrix.
	DispToDepthMat *mat.Dense
	// Per-side bounding boxes of pixels with valid rectified data.
	ValidBoxes Sided[image.Rectangle]
	// Per-side remap tables: source column and source row for every
	// rectified pixel.
	UndistortionMaps  Sided[*FloatMap]
	RectificationMaps Sided[*FloatMap]
}

// Complete reports whether every field is populated. Geometry operations
// must not run on incomplete parameters.
func (p *Parameters) Complete() bool {
	return len(p.MissingFields()) == 0
}

// MissingFields lists the store field names that are still unset.
func (p *Parameters) MissingFields() []string {
	var missing []string
	for _, spec := range storeSchema {
		if spec.sided {
			for _, side := range Sides() {
				if !spec.present(p, side) {
					missing = append(missing, spec.fileName(side))
				}
			}
		} else if !spec.present(p, Left) {
			missing = append(missing, spec.fileName(Left))
		}
	}
	return missing
}

// Rectify applies the stored undistortion and rectification maps to a
// stereo frame using nearest-neighbor resampling. Pixels that map outside
// the source image are left black.
func (p *Parameters) Rectify(frame *camera.StereoFrame) (*camera.StereoFrame, error) {
	if p.UndistortionMaps.Left == nil || p.UndistortionMaps.Right == nil ||
		p.RectificationMaps.Left == nil || p.RectificationMaps.Right == nil {
		return nil, NewNotCalibratedError("rectify")
	}
	out := &camera.StereoFrame{}
	for _, side := range Sides() {
		src := frame.Left
		dst := &out.Left
		if side == Right {
			src = frame.Right
			dst = &out.Right
		}
		*dst = remapNearest(src, p.UndistortionMaps.Get(side), p.RectificationMaps.Get(side))
	}
	return out, nil
}

// remapNearest resamples src through the (column, row) lookup tables.
func remapNearest(src *image.Gray, mapX, mapY *FloatMap) *image.Gray {
	w, h := mapX.Width(), mapX.Height()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	bounds := src.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx := int(math.Round(float64(mapX.At(x, y))))
			sy := int(math.Round(float64(mapY.At(x, y))))
			if sx < bounds.Min.X || sx >= bounds.Max.X || sy < bounds.Min.Y || sy >= bounds.Max.Y {
				continue
			}
			dst.SetGray(x, y, src.GrayAt(sx, sy))
		}
	}
	return dst
}
