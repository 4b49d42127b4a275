package segmentation

import (
	"image"
	"image/color"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestHistogram(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Pix[0] = 10
	img.Pix[1] = 10
	img.Pix[2] = 250
	hist := Histogram(img)
	test.That(t, hist[10], test.ShouldEqual, 2)
	test.That(t, hist[250], test.ShouldEqual, 1)
	test.That(t, hist[0], test.ShouldEqual, 13)
}

func TestSegmentBands(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 1))
	img.Pix[0] = 40
	img.Pix[1] = 100
	img.Pix[2] = 180

	bands := SegmentBands(img, []uint8{50, 100, 200, 255})
	test.That(t, len(bands), test.ShouldEqual, 3)
	// 40 falls below the lowest boundary and lands in no band; a
	// boundary value opens its upper band
	test.That(t, bands[0].Count, test.ShouldEqual, 0)
	test.That(t, bands[1].Count, test.ShouldEqual, 2)
	test.That(t, bands[2].Count, test.ShouldEqual, 0)

	test.That(t, bands[0].Mask.At(0, 0), test.ShouldEqual, 0.0)
	test.That(t, bands[1].Mask.At(0, 1), test.ShouldEqual, 1.0)
	test.That(t, bands[1].Mask.At(0, 2), test.ShouldEqual, 1.0)
}

func TestSegmentBandsExcludesZero(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 1))
	img.Pix[0] = 0
	img.Pix[1] = 10
	img.Pix[2] = 49

	bands := SegmentBands(img, []uint8{0, 50})
	test.That(t, len(bands), test.ShouldEqual, 1)
	test.That(t, bands[0].Count, test.ShouldEqual, 2)
	test.That(t, bands[0].Mask.At(0, 0), test.ShouldEqual, 0.0)
	test.That(t, bands[0].Mask.At(0, 1), test.ShouldEqual, 1.0)
	test.That(t, bands[0].Mask.At(0, 2), test.ShouldEqual, 1.0)
}

func TestMorphologySquare(t *testing.T) {
	m := mat.NewDense(9, 9, nil)
	for r := 3; r < 6; r++ {
		for c := 3; c < 6; c++ {
			m.Set(r, c, 1)
		}
	}

	d := DilateSquare(m, 3)
	count := 0
	rows, cols := d.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if d.At(r, c) > 0 {
				count++
			}
		}
	}
	test.That(t, count, test.ShouldEqual, 25)

	// eroding the dilation restores the original square
	e := ErodeSquare(d, 3)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			want := 0.0
			if r >= 3 && r < 6 && c >= 3 && c < 6 {
				want = 1
			}
			test.That(t, e.At(r, c), test.ShouldEqual, want)
		}
	}
}

func TestFindContoursSingleBlob(t *testing.T) {
	m := mat.NewDense(8, 8, nil)
	for r := 2; r < 5; r++ {
		for c := 3; c < 6; c++ {
			m.Set(r, c, 1)
		}
	}
	contours := FindContours(m, 1)
	test.That(t, len(contours), test.ShouldEqual, 1)
	test.That(t, contours[0].Area, test.ShouldEqual, 9)
	test.That(t, contours[0].BandIndex, test.ShouldEqual, 1)
	test.That(t, contours[0].BoundingBox(), test.ShouldResemble, image.Rect(3, 2, 6, 5))
	// a 3x3 blob has an 8 pixel boundary ring
	test.That(t, len(contours[0].Outline), test.ShouldEqual, 8)
}

func TestFindContoursSeparatesBlobs(t *testing.T) {
	m := mat.NewDense(10, 10, nil)
	m.Set(1, 1, 1)
	m.Set(1, 2, 1)
	m.Set(8, 8, 1)
	contours := FindContours(m, 0)
	test.That(t, len(contours), test.ShouldEqual, 2)
	test.That(t, contours[0].Area, test.ShouldEqual, 2)
	test.That(t, contours[1].Area, test.ShouldEqual, 1)
}

func TestContourMeanOver(t *testing.T) {
	m := mat.NewDense(6, 6, nil)
	ref := mat.NewDense(6, 6, nil)
	for r := 1; r < 4; r++ {
		for c := 1; c < 4; c++ {
			m.Set(r, c, 1)
			ref.Set(r, c, 2.5)
		}
	}
	contours := FindContours(m, 0)
	test.That(t, len(contours), test.ShouldEqual, 1)
	test.That(t, contours[0].MeanOver(ref), test.ShouldAlmostEqual, 2.5, 1e-12)
}

func TestEngineFlatBlock(t *testing.T) {
	logger := golog.NewTestLogger(t)
	// 100x100 field, one flat 50x50 block at value 180
	field := image.NewGray(image.Rect(0, 0, 100, 100))
	ref := mat.NewDense(100, 100, nil)
	for y := 25; y < 75; y++ {
		for x := 25; x < 75; x++ {
			field.SetGray(x, y, color.Gray{Y: 180})
			ref.Set(y, x, 3.25)
		}
	}

	engine, err := NewEngine(DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	result, err := engine.Process(field, ref)
	test.That(t, err, test.ShouldBeNil)

	// one blob in the [100,200) band; the dilate-erode-dilate sequence
	// restores a solid square's footprint exactly
	test.That(t, len(result.Contours), test.ShouldEqual, 1)
	test.That(t, result.Contours[0].BandIndex, test.ShouldEqual, 1)
	test.That(t, result.Contours[0].Area, test.ShouldEqual, 2500)
	test.That(t, result.Contours[0].BoundingBox(), test.ShouldResemble, image.Rect(25, 25, 75, 75))
	test.That(t, result.Means[0], test.ShouldAlmostEqual, 3.25, 1e-12)
	test.That(t, result.Annotated, test.ShouldNotBeNil)
}

func TestEnginePixelMinGate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	field := image.NewGray(image.Rect(0, 0, 100, 100))
	ref := mat.NewDense(100, 100, nil)
	for y := 25; y < 75; y++ {
		for x := 25; x < 75; x++ {
			field.SetGray(x, y, color.Gray{Y: 180})
		}
	}

	cfg := DefaultConfig()
	cfg.PixelMin = 2501
	engine, err := NewEngine(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	result, err := engine.Process(field, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Contours, test.ShouldBeEmpty)

	// lowering the gate back admits the band again
	cfg.PixelMin = 2500
	engine, err = NewEngine(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	result, err = engine.Process(field, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(result.Contours), test.ShouldEqual, 1)
}

func TestEngineAreaGate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	field := image.NewGray(image.Rect(0, 0, 40, 40))
	ref := mat.NewDense(40, 40, nil)
	for y := 10; y < 20; y++ {
		for x := 10; x < 20; x++ {
			field.SetGray(x, y, color.Gray{Y: 80})
		}
	}

	cfg := DefaultConfig()
	cfg.PixelMin = 1
	cfg.MinContourArea = 500
	engine, err := NewEngine(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	result, err := engine.Process(field, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Contours, test.ShouldBeEmpty)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	cfg.Thresholds = []uint8{100, 50}
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.KernelSize = 4
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.Thresholds = nil
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}
