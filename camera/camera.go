// Package camera holds the stereo capture collaborator contract and the
// grayscale frame handling shared by calibration and the live pipeline.
package camera

import (
	"context"
	"image"
	"image/draw"
	_ "image/jpeg" // register jpeg decoding for captured frames
	"image/png"
	"os"

	"github.com/pkg/errors"
)

// ErrFrameAcquisition is returned when the capture hardware produced no
// usable frame. Capture loops log it and move on to the next iteration.
var ErrFrameAcquisition = errors.New("frame acquisition failed")

// Capturer captures a still from the camera with the given hardware ID and
// writes it to filename. Implementations talk to the actual camera stack.
type Capturer interface {
	CaptureAndSave(ctx context.Context, cameraID int, filename string) error
}

// StereoFrame is a left/right grayscale image pair with equal dimensions.
type StereoFrame struct {
	Left  *image.Gray
	Right *image.Gray
}

// Bounds returns the pixel bounds shared by both sides.
func (f *StereoFrame) Bounds() image.Rectangle {
	return f.Left.Bounds()
}

// SameSize reports whether the two sides have identical dimensions.
func (f *StereoFrame) SameSize() bool {
	return f.Left.Bounds().Dx() == f.Right.Bounds().Dx() &&
		f.Left.Bounds().Dy() == f.Right.Bounds().Dy()
}

// LoadGray reads an image file from disk and converts it to grayscale.
func LoadGray(path string) (*image.Gray, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open image %q", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode image %q", path)
	}
	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
	return gray, nil
}

// LoadStereoFrame reads a left/right pair from disk.
func LoadStereoFrame(leftPath, rightPath string) (*StereoFrame, error) {
	left, err := LoadGray(leftPath)
	if err != nil {
		return nil, err
	}
	right, err := LoadGray(rightPath)
	if err != nil {
		return nil, err
	}
	frame := &StereoFrame{Left: left, Right: right}
	if !frame.SameSize() {
		return nil, errors.Errorf("stereo pair dimensions differ: left %v right %v",
			left.Bounds(), right.Bounds())
	}
	return frame, nil
}

// WriteImageToFile writes img to path as PNG.
func WriteImageToFile(path string, img image.Image) error {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create image file %q", path)
	}
	defer f.Close()
	return png.Encode(f, img)
}
