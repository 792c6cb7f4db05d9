package quant

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/weave/internal/tensor"
)

// Matrix is a row-major (Rows, Cols) weight kept in its block encoding.
// Rows are dequantized on demand, so Cols must be a multiple of the block size.
type Matrix struct {
	Name       string
	Type       Type
	Rows, Cols int
	Data       []byte

	rowBytes int
}

func NewMatrix(name string, t Type, rows, cols int, data []byte) (*Matrix, error) {
	rowBytes, err := ByteSize(t, cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(data) != rows*rowBytes {
		return nil, fmt.Errorf("%s: %d bytes for %s [%d %d] (want %d)", name, len(data), t, rows, cols, rows*rowBytes)
	}
	return &Matrix{Name: name, Type: t, Rows: rows, Cols: cols, Data: data, rowBytes: rowBytes}, nil
}

func (m *Matrix) InFeatures() int  { return m.Cols }
func (m *Matrix) OutFeatures() int { return m.Rows }

// RowTo dequantizes row r into dst.
func (m *Matrix) RowTo(dst []float32, r int) error {
	if r < 0 || r >= m.Rows {
		return fmt.Errorf("%s: row %d out of range [0,%d)", m.Name, r, m.Rows)
	}
	return DequantizeInto(dst[:m.Cols], m.Type, m.Data[r*m.rowBytes:(r+1)*m.rowBytes])
}

// Dense dequantizes the whole matrix.
func (m *Matrix) Dense() (*tensor.Tensor, error) {
	out := tensor.New(m.Rows, m.Cols)
	if err := DequantizeInto(out.Data, m.Type, m.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return out, nil
}

// Forward computes x·mᵀ, splitting output rows across goroutines.
func (m *Matrix) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() < 1 || x.Dim(-1) != m.Cols {
		return nil, fmt.Errorf("%s: input %v incompatible with [%d %d]: %w", m.Name, x.Shape, m.Rows, m.Cols, tensor.ErrShape)
	}
	n := x.Rows()
	shape := append(append([]int(nil), x.Shape[:x.Rank()-1]...), m.Rows)
	out := tensor.New(shape...)

	workers := min(runtime.GOMAXPROCS(0), m.Rows)
	if workers < 1 {
		return out, nil
	}
	chunk := (m.Rows + workers - 1) / workers
	var g errgroup.Group
	for rs := 0; rs < m.Rows; rs += chunk {
		re := min(rs+chunk, m.Rows)
		g.Go(func() error {
			row := make([]float32, m.Cols)
			for r := rs; r < re; r++ {
				if err := m.RowTo(row, r); err != nil {
					return err
				}
				for i := range n {
					out.Data[i*m.Rows+r] = tensor.Dot(x.Row(i), row)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
