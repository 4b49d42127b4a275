package segmentation

import (
	"image"

	"gonum.org/v1/gonum/mat"
)

// Histogram counts pixel values of a grayscale field into 256 bins.
func Histogram(img *image.Gray) [256]int {
	var hist [256]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride : (y-b.Min.Y)*img.Stride+b.Dx()]
		for _, v := range row {
			hist[v]++
		}
	}
	return hist
}

// Band is one value slice of the field: pixels whose value lies in
// [Lo, Hi).
type Band struct {
	Lo, Hi uint8
	// Count is how many field pixels fall in the band, from the
	// histogram, before any morphology.
	Count int
	Mask  *mat.Dense
}

// SegmentBands slices the field at the given ascending boundaries: each
// adjacent boundary pair (lo, hi) becomes one band covering [lo, hi).
// N boundaries produce N-1 bands. Value-zero pixels carry no measurement
// and are excluded even when a band spans zero. The returned masks are
// binary matrices in row-major image orientation.
func SegmentBands(img *image.Gray, thresholds []uint8) []Band {
	hist := Histogram(img)
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	bands := make([]Band, 0, len(thresholds)-1)
	for i := 1; i < len(thresholds); i++ {
		lo, hi := thresholds[i-1], thresholds[i]
		band := Band{Lo: lo, Hi: hi, Mask: mat.NewDense(h, w, nil)}
		// zero marks no measurement and never joins a band
		start := int(lo)
		if start == 0 {
			start = 1
		}
		for v := start; v < int(hi); v++ {
			band.Count += hist[v]
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := img.Pix[y*img.Stride+x]
				if v != 0 && v >= lo && v < hi {
					band.Mask.Set(y, x, 1)
				}
			}
		}
		bands = append(bands, band)
	}
	return bands
}
