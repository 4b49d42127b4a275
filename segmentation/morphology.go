// Package segmentation slices a normalized depth field into value bands
// and extracts, filters, and annotates the blob contours found in them.
package segmentation

import "gonum.org/v1/gonum/mat"

// DilateSquare grows a binary mask with a k x k square structuring
// element. Values are 0 or 1; anything positive counts as set.
func DilateSquare(m *mat.Dense, k int) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	half := k / 2
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if m.At(r, c) <= 0 {
				continue
			}
			for dr := -half; dr <= half; dr++ {
				for dc := -half; dc <= half; dc++ {
					rr, cc := r+dr, c+dc
					if rr >= 0 && rr < rows && cc >= 0 && cc < cols {
						out.Set(rr, cc, 1)
					}
				}
			}
		}
	}
	return out
}

// ErodeSquare shrinks a binary mask with a k x k square structuring
// element. Border pixels erode, the window must fit entirely in the mask.
func ErodeSquare(m *mat.Dense, k int) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	half := k / 2
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if m.At(r, c) <= 0 {
				continue
			}
			keep := true
			for dr := -half; dr <= half && keep; dr++ {
				for dc := -half; dc <= half; dc++ {
					rr, cc := r+dr, c+dc
					if rr < 0 || rr >= rows || cc < 0 || cc >= cols || m.At(rr, cc) <= 0 {
						keep = false
						break
					}
				}
			}
			if keep {
				out.Set(r, c, 1)
			}
		}
	}
	return out
}

// CleanMask runs the smoothing sequence used on every band mask before
// contour extraction: dilate, erode, dilate, with the given kernel and
// iteration counts.
func CleanMask(m *mat.Dense, kernel, dilateIters, erodeIters int) *mat.Dense {
	out := m
	for i := 0; i < dilateIters; i++ {
		out = DilateSquare(out, kernel)
	}
	for i := 0; i < erodeIters; i++ {
		out = ErodeSquare(out, kernel)
	}
	for i := 0; i < dilateIters; i++ {
		out = DilateSquare(out, kernel)
	}
	return out
}
