package segmentation

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestContourColorsDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		c := contourColor(i, 6)
		key := c.Hex()
		assert.False(t, seen[key], "color %s repeated", key)
		seen[key] = true
	}
}

func TestAnnotateDrawsOverField(t *testing.T) {
	field := image.NewGray(image.Rect(0, 0, 30, 30))
	m := mat.NewDense(30, 30, nil)
	for r := 5; r < 15; r++ {
		for c := 5; c < 15; c++ {
			field.SetGray(c, r, color.Gray{Y: 120})
			m.Set(r, c, 1)
		}
	}
	contours := FindContours(m, 0)
	require.Len(t, contours, 1)

	out, err := Annotate(field, contours, []float64{1.23})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, field.Bounds().Size(), out.Bounds().Size())

	// the outline pixels are no longer the plain gray field
	changed := false
	for _, pt := range contours[0].Outline {
		r, g, b, _ := out.At(pt.X, pt.Y).RGBA()
		if r != g || g != b {
			changed = true
			break
		}
	}
	assert.True(t, changed)
}
