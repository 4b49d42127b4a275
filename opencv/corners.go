// Package opencv holds every OpenCV-backed collaborator: chessboard
// corner detection, semi-global block matching, the intrinsic solver,
// and the preview window. Nothing outside this package imports gocv.
package opencv

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-labs/depthsense/calibration"
)

// ChessboardFinder detects calibration target corners with subpixel
// refinement.
type ChessboardFinder struct{}

// NewChessboardFinder returns a corner finder.
func NewChessboardFinder() *ChessboardFinder {
	return &ChessboardFinder{}
}

// FindCorners locates the target's inner corners in row-major order.
func (f *ChessboardFinder) FindCorners(img *image.Gray, pattern calibration.PatternConfig) ([]r2.Point, bool, error) {
	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, false, errors.Wrap(err, "cannot convert image for corner detection")
	}
	defer src.Close()

	corners := gocv.NewMat()
	defer corners.Close()
	patternSize := image.Pt(pattern.Cols, pattern.Rows)
	found := gocv.FindChessboardCorners(src, patternSize,
		&corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage)
	if !found {
		return nil, false, nil
	}

	criteria := gocv.NewTermCriteria(gocv.MaxIter|gocv.EPS, 30, 0.001)
	gocv.CornerSubPix(src, &corners, image.Pt(11, 11), image.Pt(-1, -1), criteria)

	n := corners.Rows()
	if n != pattern.Rows*pattern.Cols {
		return nil, false, nil
	}
	pts := make([]r2.Point, 0, n)
	for i := 0; i < n; i++ {
		v := corners.GetVecfAt(i, 0)
		pts = append(pts, r2.Point{X: float64(v[0]), Y: float64(v[1])})
	}
	return pts, true, nil
}
