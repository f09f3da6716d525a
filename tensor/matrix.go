package tensor

import (
	"errors"
	"fmt"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrOutOfRange    = errors.New("index out of range")
)

// Matrix is a row-major [rows, cols] container.
// One row holds one trajectory, one column one token position.
// Rows are appended with the amortized growth of append, so repeated
// Append calls stay linear in the total number of rows.
type Matrix[T any] struct {
	rows int
	cols int
	data []T
}

// New returns a zero valued matrix of the given shape
func New[T any](rows, cols int) Matrix[T] {
	return Matrix[T]{
		rows: rows,
		cols: cols,
		data: make([]T, rows*cols),
	}
}

// FromData wraps data (not copied) as a [rows, cols] matrix
func FromData[T any](rows, cols int, data []T) (Matrix[T], error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return Matrix[T]{}, fmt.Errorf("%w: %d values for shape [%d, %d]", ErrShapeMismatch, len(data), rows, cols)
	}
	return Matrix[T]{rows: rows, cols: cols, data: data}, nil
}

// FromRows copies a rectangular slice of rows into a matrix
func FromRows[T any](rows [][]T) (Matrix[T], error) {
	if len(rows) == 0 {
		return Matrix[T]{}, nil
	}
	cols := len(rows[0])
	m := Matrix[T]{rows: len(rows), cols: cols, data: make([]T, 0, len(rows)*cols)}
	for i, r := range rows {
		if len(r) != cols {
			return Matrix[T]{}, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrShapeMismatch, i, len(r), cols)
		}
		m.data = append(m.data, r...)
	}
	return m, nil
}

func (m Matrix[T]) Rows() int {
	return m.rows
}

func (m Matrix[T]) Cols() int {
	return m.cols
}

func (m Matrix[T]) Shape() (int, int) {
	return m.rows, m.cols
}

func (m Matrix[T]) Empty() bool {
	return m.rows == 0
}

func (m Matrix[T]) At(i, j int) T {
	return m.data[i*m.cols+j]
}

func (m Matrix[T]) Set(i, j int, v T) {
	m.data[i*m.cols+j] = v
}

// Row returns a view of row i, writes go through to the matrix
func (m Matrix[T]) Row(i int) []T {
	return m.data[i*m.cols : (i+1)*m.cols : (i+1)*m.cols]
}

// Data returns the backing row-major slice
func (m Matrix[T]) Data() []T {
	return m.data[:m.rows*m.cols]
}

func (m Matrix[T]) Clone() Matrix[T] {
	data := make([]T, m.rows*m.cols)
	copy(data, m.data)
	return Matrix[T]{rows: m.rows, cols: m.cols, data: data}
}

// Append concatenates the rows of other after the rows of m.
// An empty m adopts the column count of other.
func (m *Matrix[T]) Append(other Matrix[T]) error {
	if other.rows == 0 {
		return nil
	}
	if m.rows == 0 {
		m.cols = other.cols
		m.data = append([]T(nil), other.Data()...)
		m.rows = other.rows
		return nil
	}
	if m.cols != other.cols {
		return fmt.Errorf("%w: cannot append %d columns to %d columns", ErrShapeMismatch, other.cols, m.cols)
	}
	m.data = append(m.data[:m.rows*m.cols], other.Data()...)
	m.rows += other.rows
	return nil
}

// Gather copies the rows at indices, in order, into a new matrix
func (m Matrix[T]) Gather(indices []int) Matrix[T] {
	out := Matrix[T]{rows: len(indices), cols: m.cols, data: make([]T, 0, len(indices)*m.cols)}
	for _, i := range indices {
		out.data = append(out.data, m.Row(i)...)
	}
	return out
}

// ToRows copies the matrix out as a slice of rows
func (m Matrix[T]) ToRows() [][]T {
	out := make([][]T, m.rows)
	for i := range out {
		out[i] = append([]T(nil), m.Row(i)...)
	}
	return out
}

// CheckIndices verifies that every index addresses a row of m
func (m Matrix[T]) CheckIndices(indices []int) error {
	for _, i := range indices {
		if i < 0 || i >= m.rows {
			return fmt.Errorf("%w: row %d of %d", ErrOutOfRange, i, m.rows)
		}
	}
	return nil
}
