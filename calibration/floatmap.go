package calibration

// FloatMap is a dense float32 per-pixel lookup table with the resolution
// of the input image. Remap tables are stored as two FloatMaps per side,
// one for the source column and one for the source row of every
// destination pixel.
type FloatMap struct {
	width  int
	height int
	data   []float32
}

// NewFloatMap allocates a zeroed width x height map.
func NewFloatMap(width, height int) *FloatMap {
	return &FloatMap{width: width, height: height, data: make([]float32, width*height)}
}

// Width returns the number of columns.
func (m *FloatMap) Width() int { return m.width }

// Height returns the number of rows.
func (m *FloatMap) Height() int { return m.height }

// At returns the value at column x, row y.
func (m *FloatMap) At(x, y int) float32 {
	return m.data[y*m.width+x]
}

// Set stores v at column x, row y.
func (m *FloatMap) Set(x, y int, v float32) {
	m.data[y*m.width+x] = v
}

// Raw exposes the row-major backing slice.
func (m *FloatMap) Raw() []float32 {
	return m.data
}
