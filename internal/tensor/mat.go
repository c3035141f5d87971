package tensor

import (
	"math/rand"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; every constructor in
// this package sets it to C. Out-of-range row indices panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps data without copying. len(data) must be r*c.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r*c != len(data) {
		return Mat{}, errDataSizeMismatch
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}, nil
}

// Row returns a view of the i-th row. Writes through the view update m.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// SetRow copies src into row i. len(src) must equal C.
func (m *Mat) SetRow(i int, src []float32) error {
	if i < 0 || i >= m.R {
		return errRowOutOfRange
	}
	if len(src) != m.C {
		return errRowWidthMismatch
	}
	copy(m.Row(i), src)
	return nil
}

// Clone returns a deep copy of m.
func (m Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Last returns a view of the final row, or nil for an empty matrix.
func (m *Mat) Last() []float32 {
	if m.R == 0 {
		return nil
	}
	return m.Row(m.R - 1)
}

// FillRand fills the matrix with reproducible pseudo-random values in
// roughly (-scale/2, scale/2). The same seed produces identical matrices.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errDataSizeMismatch = fmtError("data length mismatch")
	errRowOutOfRange    = fmtError("row index out of range")
	errRowWidthMismatch = fmtError("row width mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
