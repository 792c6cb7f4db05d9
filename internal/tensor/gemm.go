package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMulT computes x·wᵀ where x has shape (..., k) and w has shape (n, k).
// The result has shape (..., n).
func MatMulT(x, w *Tensor) (*Tensor, error) {
	if w.Rank() != 2 || x.Rank() < 1 || x.Dim(-1) != w.Shape[1] {
		return nil, shapeErr("matmul_t", x.Shape, w.Shape)
	}
	k := w.Shape[1]
	n := w.Shape[0]
	m := x.Rows()
	shape := append(append([]int(nil), x.Shape[:x.Rank()-1]...), n)
	out := New(shape...)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(m, k, x.Data), general(n, k, w.Data), 0, general(m, n, out.Data))
	return out, nil
}

// MatMul computes a·b for 2-D a (m, k) and b (k, n).
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 || a.Shape[1] != b.Shape[0] {
		return nil, shapeErr("matmul", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := New(m, n)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(m, k, a.Data), general(k, n, b.Data), 0, general(m, n, out.Data))
	return out, nil
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatVec computes dst = w·x for a 2-D w (n, k) and a vector x of length k.
func MatVec(dst []float32, w *Tensor, x []float32) error {
	if w.Rank() != 2 || len(x) != w.Shape[1] || len(dst) != w.Shape[0] {
		return fmt.Errorf("matvec: w %v, x %d, dst %d: %w", w.Shape, len(x), len(dst), ErrShape)
	}
	k := w.Shape[1]
	for i := range dst {
		dst[i] = Dot(w.Data[i*k:(i+1)*k], x)
	}
	return nil
}
