package segmentation

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// contourColor spaces blob colors around the hue circle so neighboring
// blobs stay distinguishable.
func contourColor(i, total int) colorful.Color {
	if total < 1 {
		total = 1
	}
	hue := float64(i%total) / float64(total) * 360
	return colorful.Hsv(hue, 1, 1)
}

func annotationFace(size float64) (font.Face, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse annotation font")
	}
	return truetype.NewFace(f, &truetype.Options{Size: size}), nil
}

// Annotate renders the field with every accepted contour drawn over it
// and its mean reference value printed beside the blob.
func Annotate(field *image.Gray, contours []*Contour, means []float64) (image.Image, error) {
	dc := gg.NewContextForImage(field)
	face, err := annotationFace(13)
	if err != nil {
		return nil, err
	}
	dc.SetFontFace(face)

	for i, contour := range contours {
		col := contourColor(i, len(contours))
		dc.SetRGB(col.R, col.G, col.B)
		dc.SetLineWidth(1)
		for j, pt := range contour.Outline {
			if j == 0 {
				dc.MoveTo(float64(pt.X), float64(pt.Y))
				continue
			}
			dc.LineTo(float64(pt.X), float64(pt.Y))
		}
		dc.ClosePath()
		dc.Stroke()

		box := contour.BoundingBox()
		label := fmt.Sprintf("%.2f", means[i])
		x := float64(box.Min.X)
		y := float64(box.Min.Y) - 3
		if y < 12 {
			y = float64(box.Max.Y) + 13
		}
		dc.DrawString(label, x, y)
	}
	return dc.Image(), nil
}
