package tensor

import (
	"gonum.org/v1/gonum/mat"
)

// ToDense returns a gonum view sharing storage with m.
// An empty matrix maps to an empty (zero value) Dense.
func ToDense(m Matrix[float64]) *mat.Dense {
	if m.rows == 0 || m.cols == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(m.rows, m.cols, m.Data())
}

// FromDense copies d into a Matrix
func FromDense(d *mat.Dense) Matrix[float64] {
	if d == nil || d.IsEmpty() {
		return Matrix[float64]{}
	}
	r, c := d.Dims()
	out := New[float64](r, c)
	for i := 0; i < r; i++ {
		copy(out.Row(i), d.RawRowView(i))
	}
	return out
}

// GatherDense copies the rows of d at indices into a new Dense
func GatherDense(d *mat.Dense, indices []int) *mat.Dense {
	if len(indices) == 0 || d.IsEmpty() {
		return &mat.Dense{}
	}
	_, c := d.Dims()
	out := mat.NewDense(len(indices), c, nil)
	for i, idx := range indices {
		out.SetRow(i, d.RawRowView(idx))
	}
	return out
}

// Masked collects the entries of d where mask is true, row by row
func Masked(d *mat.Dense, mask Matrix[bool]) []float64 {
	values := make([]float64, 0)
	for i := 0; i < mask.rows; i++ {
		row := d.RawRowView(i)
		for j, m := range mask.Row(i) {
			if m {
				values = append(values, row[j])
			}
		}
	}
	return values
}

// LastTrue returns the column of the last true entry of row, or -1
func LastTrue(row []bool) int {
	for j := len(row) - 1; j >= 0; j-- {
		if row[j] {
			return j
		}
	}
	return -1
}
