package matrix

import (
	"errors"
	"fmt"
	"math"
)

var ErrEmptyInput = errors.New("cannot pack empty byte buffer")

// Matrix is a row-major grid of bytes derived from a flat buffer.
type Matrix struct {
	Rows int
	Cols int
	Data []byte
}

// Dimensions returns the packed geometry for a buffer of n bytes: cols is the
// integer square root of n, rows is n/cols and dropped is n mod cols.
func Dimensions(n int) (rows, cols, dropped int, err error) {
	if n <= 0 {
		return 0, 0, 0, ErrEmptyInput
	}
	cols = isqrt(n)
	dropped = n % cols
	rows = (n - dropped) / cols
	return rows, cols, dropped, nil
}

// Pack copies data into the largest rows x cols grid with cols = floor(sqrt(n)).
// The trailing n mod cols bytes are dropped.
func Pack(data []byte) (Matrix, error) {
	rows, cols, _, err := Dimensions(len(data))
	if err != nil {
		return Matrix{}, err
	}
	out := make([]byte, rows*cols)
	copy(out, data)
	return Matrix{Rows: rows, Cols: cols, Data: out}, nil
}

func (m Matrix) Len() int {
	return m.Rows * m.Cols
}

func (m Matrix) At(row, col int) byte {
	return m.Data[row*m.Cols+col]
}

func (m Matrix) Row(row int) []byte {
	return m.Data[row*m.Cols : (row+1)*m.Cols]
}

// Index maps a flat buffer offset to its cell. ok is false for offsets that
// fall in the dropped remainder.
func (m Matrix) Index(offset int) (row, col int, ok bool) {
	if m.Cols == 0 || offset < 0 || offset >= m.Len() {
		return 0, 0, false
	}
	return offset / m.Cols, offset % m.Cols, true
}

func (m Matrix) String() string {
	return fmt.Sprintf("%dx%d", m.Rows, m.Cols)
}

func isqrt(n int) int {
	r := int(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
