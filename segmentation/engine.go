package segmentation

import (
	"image"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrSegmentRejected marks a band or blob dropped by the population or
// area gates. Rejections are logged and skipped, never fatal.
var ErrSegmentRejected = errors.New("segment rejected")

// Config carries the segmentation tuning knobs.
type Config struct {
	// Thresholds are the ascending band boundaries. Each adjacent pair
	// becomes one band covering [lo, hi).
	Thresholds []uint8 `json:"thresholds"`
	// PixelMin is the minimum pixel population for a band to be
	// processed at all.
	PixelMin int `json:"pixel_min"`
	// MinContourArea is the minimum filled pixel count for a blob to
	// survive.
	MinContourArea int `json:"min_contour_area"`
	// Morphology of the band masks before contour extraction.
	KernelSize  int `json:"kernel_size"`
	DilateIters int `json:"dilate_iters"`
	ErodeIters  int `json:"erode_iters"`
}

// DefaultConfig returns the segmentation tuning the rig ships with.
func DefaultConfig() Config {
	return Config{
		Thresholds:     []uint8{50, 100, 200, 255},
		PixelMin:       80,
		MinContourArea: 100,
		KernelSize:     5,
		DilateIters:    1,
		ErodeIters:     2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Thresholds) < 2 {
		return errors.New("at least two band boundaries are required")
	}
	prev := -1
	for _, t := range c.Thresholds {
		if int(t) <= prev {
			return errors.New("band thresholds must be strictly ascending")
		}
		prev = int(t)
	}
	if c.KernelSize < 1 || c.KernelSize%2 == 0 {
		return errors.Errorf("morphology kernel must be odd and positive, got %d", c.KernelSize)
	}
	return nil
}

// Result is one segmentation pass over a field.
type Result struct {
	// Contours are the accepted blobs across all bands.
	Contours []*Contour
	// Means holds, per accepted contour, the mean of the reference
	// field over the blob.
	Means []float64
	// Annotated is the input field with contours and means drawn in.
	Annotated image.Image
}

// Engine runs band segmentation over normalized fields.
type Engine struct {
	cfg    Config
	logger golog.Logger
}

// NewEngine returns a segmentation engine.
func NewEngine(cfg Config, logger golog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Process slices the normalized field into bands, cleans each band mask,
// extracts blob contours, and reads each accepted blob's mean value from
// the reference field. Bands below the population gate and blobs below
// the area gate are logged and skipped.
func (e *Engine) Process(field *image.Gray, reference *mat.Dense) (*Result, error) {
	refRows, refCols := reference.Dims()
	if b := field.Bounds(); b.Dx() != refCols || b.Dy() != refRows {
		return nil, errors.Errorf("field size %dx%d does not match reference %dx%d",
			b.Dx(), b.Dy(), refCols, refRows)
	}

	result := &Result{}
	for i, band := range SegmentBands(field, e.cfg.Thresholds) {
		if band.Count < e.cfg.PixelMin {
			e.logger.Debugw("band below population gate",
				"band", i, "count", band.Count, "min", e.cfg.PixelMin, "reason", ErrSegmentRejected)
			continue
		}
		mask := CleanMask(band.Mask, e.cfg.KernelSize, e.cfg.DilateIters, e.cfg.ErodeIters)
		for _, contour := range FindContours(mask, i) {
			if contour.Area < e.cfg.MinContourArea {
				e.logger.Debugw("blob below area gate",
					"band", i, "area", contour.Area, "min", e.cfg.MinContourArea, "reason", ErrSegmentRejected)
				continue
			}
			result.Contours = append(result.Contours, contour)
			result.Means = append(result.Means, contour.MeanOver(reference))
		}
	}

	annotated, err := Annotate(field, result.Contours, result.Means)
	if err != nil {
		return nil, err
	}
	result.Annotated = annotated
	return result, nil
}
