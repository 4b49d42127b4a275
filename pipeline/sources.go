package pipeline

import (
	"context"
	"image"
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/depthsense/camera"
	"github.com/viam-labs/depthsense/segmentation"
	"github.com/viam-labs/depthsense/stereo"
	"github.com/viam-labs/depthsense/tof"
)

// StereoFrameSource yields raw stereo frames. A return of io.EOF ends the
// stream.
type StereoFrameSource interface {
	NextFrame(ctx context.Context) (*camera.StereoFrame, error)
}

// StereoSource processes raw stereo frames into disparity and depth
// results.
type StereoSource struct {
	frames    StereoFrameSource
	engine    *stereo.Engine
	segmenter *segmentation.Engine
	logger    golog.Logger
}

// NewStereoSource returns a pipeline source over a frame source and a
// calibrated stereo engine.
func NewStereoSource(frames StereoFrameSource, engine *stereo.Engine, segmenter *segmentation.Engine, logger golog.Logger) *StereoSource {
	return &StereoSource{frames: frames, engine: engine, segmenter: segmenter, logger: logger}
}

// Next captures and processes one stereo frame.
func (s *StereoSource) Next(ctx context.Context) (Result, error) {
	frame, err := s.frames.NextFrame(ctx)
	if err != nil {
		return nil, err
	}
	disparity, err := s.engine.ComputeDisparity(frame)
	if err != nil {
		return nil, err
	}
	depth, err := s.engine.DepthFromDisparity(disparity)
	if err != nil {
		return nil, err
	}
	return &stereoResult{
		frame:     frame,
		disparity: disparity,
		depth:     depth,
		segmenter: s.segmenter,
	}, nil
}

type stereoResult struct {
	frame     *camera.StereoFrame
	disparity *stereo.DisparityField
	depth     *stereo.DepthField
	segmenter *segmentation.Engine
}

func (r *stereoResult) Preview() image.Image {
	return r.disparity.Normalized
}

// Persist writes the raw frame pair, the rectified pair, and the
// normalized disparity under one snapshot counter.
func (r *stereoResult) Persist(snap *camera.SnapshotWriter) error {
	var result error
	for role, img := range map[string]image.Image{
		"left":            r.frame.Left,
		"right":           r.frame.Right,
		"left_rectified":  r.disparity.Rectified.Left,
		"right_rectified": r.disparity.Rectified.Right,
		"disparity":       r.disparity.Normalized,
	} {
		if _, err := snap.Save(role, img); err != nil {
			result = multierr.Append(result, err)
		}
	}
	if result != nil {
		return multierr.Append(ErrPersistenceIncomplete, result)
	}
	return nil
}

// Analyze segments the normalized disparity, reading blob means from the
// metric depth field, and writes the annotated image.
func (r *stereoResult) Analyze(snap *camera.SnapshotWriter) error {
	seg, err := r.segmenter.Process(r.disparity.Normalized, r.depth.Data)
	if err != nil {
		return err
	}
	_, err = snap.Save("contour", seg.Annotated)
	return err
}

// ToFSource processes time-of-flight captures into normalized range
// results.
type ToFSource struct {
	sensor     tof.Sensor
	maxDist    float64
	timeout    time.Duration
	medianSize int
	correction tof.MediumCorrection
	segmenter  *segmentation.Engine
	logger     golog.Logger
}

// NewToFSource returns a pipeline source over a time-of-flight sensor.
// A medianSize below 2 disables smoothing.
func NewToFSource(
	sensor tof.Sensor,
	maxDist float64,
	timeout time.Duration,
	medianSize int,
	correction tof.MediumCorrection,
	segmenter *segmentation.Engine,
	logger golog.Logger,
) (*ToFSource, error) {
	if maxDist <= 0 {
		return nil, errors.Errorf("max distance must be positive, got %v", maxDist)
	}
	return &ToFSource{
		sensor:     sensor,
		maxDist:    maxDist,
		timeout:    timeout,
		medianSize: medianSize,
		correction: correction,
		segmenter:  segmenter,
		logger:     logger,
	}, nil
}

// Next captures and processes one time-of-flight frame.
func (s *ToFSource) Next(ctx context.Context) (Result, error) {
	frame, err := s.sensor.RequestFrame(ctx, s.timeout)
	if err != nil {
		return nil, err
	}
	depth := s.correction.Apply(frame.Depth)
	if s.medianSize > 1 {
		depth = tof.MedianFilter(depth, s.medianSize)
	}
	// the validity gate and the analysis reference both work on the
	// byte-scaled amplitude
	corrected := &tof.Frame{Depth: depth, Amplitude: tof.ScaleAmplitude(frame.Amplitude)}
	normalized, err := tof.Normalize(corrected, s.maxDist)
	if err != nil {
		return nil, err
	}
	return &tofResult{
		frame:      corrected,
		normalized: normalized,
		segmenter:  s.segmenter,
	}, nil
}

type tofResult struct {
	frame      *tof.Frame
	normalized *image.Gray
	segmenter  *segmentation.Engine
}

func (r *tofResult) Preview() image.Image {
	return r.normalized
}

// fieldToGray renders a byte-ranged field as a grayscale image, rounding
// and clamping each value.
func fieldToGray(field *mat.Dense) *image.Gray {
	rows, cols := field.Dims()
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := math.Round(field.At(r, c))
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			img.Pix[r*img.Stride+c] = uint8(v)
		}
	}
	return img
}

// Persist writes the normalized range image and the amplitude rendition.
func (r *tofResult) Persist(snap *camera.SnapshotWriter) error {
	var result error
	if _, err := snap.Save("tof", r.normalized); err != nil {
		result = multierr.Append(result, err)
	}
	if _, err := snap.Save("amplitude", fieldToGray(r.frame.Amplitude)); err != nil {
		result = multierr.Append(result, err)
	}
	if result != nil {
		return multierr.Append(ErrPersistenceIncomplete, result)
	}
	return nil
}

// Analyze segments the normalized range image, reading blob means from
// the raw amplitude field, and writes the annotated image.
func (r *tofResult) Analyze(snap *camera.SnapshotWriter) error {
	seg, err := r.segmenter.Process(r.normalized, r.frame.Amplitude)
	if err != nil {
		return err
	}
	_, err = snap.Save("contour", seg.Annotated)
	return err
}
