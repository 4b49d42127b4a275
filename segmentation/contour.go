package segmentation

import (
	"image"

	"gonum.org/v1/gonum/mat"
)

// Contour is one connected blob of a band mask: its traced outline, the
// filled pixel set, and the band it came from.
type Contour struct {
	// Outline in image coordinates, traced clockwise from the topmost
	// leftmost pixel.
	Outline []image.Point
	// Area is the filled pixel count of the blob.
	Area int
	// BandIndex identifies which value band produced the blob.
	BandIndex int

	pixels []image.Point
}

// BoundingBox returns the axis-aligned box enclosing the blob.
func (c *Contour) BoundingBox() image.Rectangle {
	if len(c.pixels) == 0 {
		return image.Rectangle{}
	}
	box := image.Rect(c.pixels[0].X, c.pixels[0].Y, c.pixels[0].X+1, c.pixels[0].Y+1)
	for _, p := range c.pixels[1:] {
		box = box.Union(image.Rect(p.X, p.Y, p.X+1, p.Y+1))
	}
	return box
}

// MeanOver averages a reference field over the blob's filled pixels. This
// is how a blob found in the normalized field gets its physical reading
// from the original one.
func (c *Contour) MeanOver(ref *mat.Dense) float64 {
	if len(c.pixels) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range c.pixels {
		sum += ref.At(p.Y, p.X)
	}
	return sum / float64(len(c.pixels))
}

// FindContours extracts all connected blobs of a binary mask using
// 8-connectivity and traces each blob's outer boundary.
func FindContours(mask *mat.Dense, bandIndex int) []*Contour {
	rows, cols := mask.Dims()
	labels := make([]int, rows*cols)
	next := 0
	var contours []*Contour

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if mask.At(r, c) <= 0 || labels[r*cols+c] != 0 {
				continue
			}
			next++
			pixels := floodComponent(mask, labels, r, c, next)
			contours = append(contours, &Contour{
				Outline:   traceBoundary(mask, image.Pt(c, r)),
				Area:      len(pixels),
				BandIndex: bandIndex,
				pixels:    pixels,
			})
		}
	}
	return contours
}

var neighbors8 = [8]image.Point{
	{X: -1, Y: -1}, {X: 0, Y: -1}, {X: 1, Y: -1}, {X: 1, Y: 0},
	{X: 1, Y: 1}, {X: 0, Y: 1}, {X: -1, Y: 1}, {X: -1, Y: 0},
}

func floodComponent(mask *mat.Dense, labels []int, r, c, label int) []image.Point {
	rows, cols := mask.Dims()
	stack := []image.Point{{X: c, Y: r}}
	labels[r*cols+c] = label
	var pixels []image.Point
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pixels = append(pixels, p)
		for _, d := range neighbors8 {
			x, y := p.X+d.X, p.Y+d.Y
			if x < 0 || x >= cols || y < 0 || y >= rows {
				continue
			}
			if mask.At(y, x) > 0 && labels[y*cols+x] == 0 {
				labels[y*cols+x] = label
				stack = append(stack, image.Pt(x, y))
			}
		}
	}
	return pixels
}

// traceBoundary walks the outer boundary of the blob containing start
// using Moore neighbor tracing. Start must be the topmost leftmost blob
// pixel, as produced by the raster scan in FindContours.
func traceBoundary(mask *mat.Dense, start image.Point) []image.Point {
	rows, cols := mask.Dims()
	set := func(p image.Point) bool {
		return p.X >= 0 && p.X < cols && p.Y >= 0 && p.Y < rows && mask.At(p.Y, p.X) > 0
	}

	outline := []image.Point{start}
	// entered the start pixel from its left neighbor
	cur := start
	backtrack := 7
	for {
		found := false
		for i := 0; i < 8; i++ {
			dir := (backtrack + 1 + i) % 8
			nb := cur.Add(neighbors8[dir])
			if set(nb) {
				if nb == start && len(outline) > 1 {
					return outline
				}
				outline = append(outline, nb)
				// next scan starts from the direction pointing back at cur
				backtrack = (dir + 4) % 8
				cur = nb
				found = true
				break
			}
		}
		if !found {
			// isolated pixel
			return outline
		}
		if len(outline) > 4*rows*cols {
			return outline
		}
	}
}
