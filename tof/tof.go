// Package tof handles time-of-flight sensor frames: amplitude gating,
// range normalization, smoothing, and propagation medium correction.
package tof

import (
	"context"
	"image"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinAmplitude is the lowest byte-scaled amplitude considered a valid
// measurement. Pixels at or below it carry no usable depth.
const MinAmplitude = 7

// amplitudeFullScale is the sensor's raw amplitude range before scaling
// to bytes.
const amplitudeFullScale = 1024

// Frame is one time-of-flight capture: per-pixel distance and the signal
// amplitude the distance was measured at.
type Frame struct {
	Depth     *mat.Dense
	Amplitude *mat.Dense
}

// Bounds returns the frame dimensions as an image rectangle.
func (f *Frame) Bounds() image.Rectangle {
	rows, cols := f.Depth.Dims()
	return image.Rect(0, 0, cols, rows)
}

// Sensor is the time-of-flight hardware contract.
type Sensor interface {
	// RequestFrame triggers a capture and waits up to timeout for it.
	RequestFrame(ctx context.Context, timeout time.Duration) (*Frame, error)
	// SetMaxRange configures the sensor's unambiguous range in the unit
	// depth values are reported in.
	SetMaxRange(maxDist float64) error
	Close() error
}

// Normalize converts a depth frame into a byte field where near is bright
// and far is dark: 255 at zero distance falling linearly to 0 at maxDist.
// Pixels whose amplitude is at or below MinAmplitude carry no measurement
// and come out 0.
func Normalize(frame *Frame, maxDist float64) (*image.Gray, error) {
	if maxDist <= 0 {
		return nil, errors.Errorf("max distance must be positive, got %v", maxDist)
	}
	rows, cols := frame.Depth.Dims()
	if ar, ac := frame.Amplitude.Dims(); ar != rows || ac != cols {
		return nil, errors.Errorf("amplitude size %dx%d does not match depth %dx%d", ar, ac, rows, cols)
	}

	out := image.NewGray(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			d := frame.Depth.At(r, c)
			if math.IsNaN(d) || math.IsInf(d, 0) {
				continue
			}
			v := math.Round((1 - d/maxDist) * 255)
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			out.Pix[r*out.Stride+c] = uint8(v)
		}
	}
	return MaskInvalid(out, frame.Amplitude), nil
}

// MaskInvalid zeroes field pixels whose amplitude is at or below
// MinAmplitude. Applying it again to its own output changes nothing.
func MaskInvalid(field *image.Gray, amplitude *mat.Dense) *image.Gray {
	rows, cols := amplitude.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if amplitude.At(r, c) <= MinAmplitude {
				field.Pix[r*field.Stride+c] = 0
			}
		}
	}
	return field
}

// ScaleAmplitude maps raw sensor amplitude to the byte range, saturating
// at full scale.
func ScaleAmplitude(amplitude *mat.Dense) *mat.Dense {
	rows, cols := amplitude.Dims()
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := amplitude.At(r, c) * 255 / amplitudeFullScale
			if v > 255 {
				v = 255
			}
			out.Set(r, c, v)
		}
	}
	return out
}

// MedianFilter replaces every value with the median of its k x k
// neighborhood. The window is clipped at the field border.
func MedianFilter(m *mat.Dense, k int) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	half := k / 2
	window := make([]float64, 0, k*k)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			window = window[:0]
			for dr := -half; dr <= half; dr++ {
				for dc := -half; dc <= half; dc++ {
					rr, cc := r+dr, c+dc
					if rr >= 0 && rr < rows && cc >= 0 && cc < cols {
						window = append(window, m.At(rr, cc))
					}
				}
			}
			sort.Float64s(window)
			n := len(window)
			if n%2 == 1 {
				out.Set(r, c, window[n/2])
			} else {
				out.Set(r, c, (window[n/2-1]+window[n/2])/2)
			}
		}
	}
	return out
}

// MediumCorrection rescales measured distances for the speed of light in
// the propagation medium.
type MediumCorrection struct {
	Scale float64
}

// WaterCorrection is the distance correction for fully submerged
// operation.
func WaterCorrection() MediumCorrection {
	return MediumCorrection{Scale: 0.75}
}

// Apply returns a depth field with the correction applied. A zero-value
// correction leaves distances untouched.
func (m MediumCorrection) Apply(depth *mat.Dense) *mat.Dense {
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	rows, cols := depth.Dims()
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, depth.At(r, c)*scale)
		}
	}
	return out
}
