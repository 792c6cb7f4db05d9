package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// ErrShape is matched by every *ShapeError.
var ErrShape = errors.New("tensor shape mismatch")

// ShapeError reports the operation and the shapes that could not be combined.
type ShapeError struct {
	Op     string
	Shapes [][]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: incompatible shapes %v", e.Op, e.Shapes)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }

func shapeErr(op string, shapes ...[]int) error {
	out := make([][]int, len(shapes))
	for i, s := range shapes {
		out[i] = slices.Clone(s)
	}
	return &ShapeError{Op: op, Shapes: out}
}

// Tensor is a dense row-major float32 tensor. Data is always contiguous.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

// FromData wraps data without copying. len(data) must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("tensor: %d values for shape %v: %w", len(data), shape, ErrShape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Full returns a tensor filled with v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) Len() int { return len(t.Data) }

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Reshape returns a view sharing Data with t. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	out := slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if infer >= 0 {
				return nil, shapeErr("reshape", t.Shape, shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, shapeErr("reshape", t.Shape, shape)
		}
		out[infer] = len(t.Data) / known
	}
	if numel(out) != len(t.Data) {
		return nil, shapeErr("reshape", t.Shape, shape)
	}
	return &Tensor{Shape: out, Data: t.Data}, nil
}

// Squeeze removes dimension dim, which must have size 1.
func (t *Tensor) Squeeze(dim int) (*Tensor, error) {
	if dim < 0 {
		dim += len(t.Shape)
	}
	if dim < 0 || dim >= len(t.Shape) || t.Shape[dim] != 1 {
		return nil, shapeErr(fmt.Sprintf("squeeze(%d)", dim), t.Shape)
	}
	shape := slices.Delete(slices.Clone(t.Shape), dim, dim+1)
	return &Tensor{Shape: shape, Data: t.Data}, nil
}

// Unsqueeze inserts a size-1 dimension at dim.
func (t *Tensor) Unsqueeze(dim int) *Tensor {
	shape := slices.Insert(slices.Clone(t.Shape), dim, 1)
	return &Tensor{Shape: shape, Data: t.Data}
}

// split returns the product of dims before dim, the size of dim and the product after it.
func (t *Tensor) split(dim int) (outer, mid, inner int) {
	outer, inner = 1, 1
	for i, d := range t.Shape {
		switch {
		case i < dim:
			outer *= d
		case i > dim:
			inner *= d
		}
	}
	return outer, t.Shape[dim], inner
}

// Narrow copies length entries of dimension dim starting at start.
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	if dim < 0 {
		dim += len(t.Shape)
	}
	if dim < 0 || dim >= len(t.Shape) || start < 0 || length < 0 || start+length > t.Shape[dim] {
		return nil, shapeErr(fmt.Sprintf("narrow(%d, %d, %d)", dim, start, length), t.Shape)
	}
	outer, mid, inner := t.split(dim)
	shape := slices.Clone(t.Shape)
	shape[dim] = length
	out := New(shape...)
	for o := range outer {
		src := t.Data[(o*mid+start)*inner : (o*mid+start+length)*inner]
		copy(out.Data[o*length*inner:], src)
	}
	return out, nil
}

// Cat concatenates tensors along dim. All other dimensions must agree.
func Cat(dim int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("cat: no tensors")
	}
	if len(ts) == 1 {
		return ts[0].Clone(), nil
	}
	first := ts[0]
	if dim < 0 {
		dim += len(first.Shape)
	}
	shapes := make([][]int, len(ts))
	total := 0
	for i, t := range ts {
		shapes[i] = t.Shape
		if len(t.Shape) != len(first.Shape) || dim >= len(t.Shape) {
			return nil, shapeErr(fmt.Sprintf("cat(%d)", dim), shapes[:i+1]...)
		}
		for d := range t.Shape {
			if d != dim && t.Shape[d] != first.Shape[d] {
				return nil, shapeErr(fmt.Sprintf("cat(%d)", dim), shapes[:i+1]...)
			}
		}
		total += t.Shape[dim]
	}
	shape := slices.Clone(first.Shape)
	shape[dim] = total
	out := New(shape...)
	outer, _, inner := first.split(dim)
	off := 0
	for o := range outer {
		for _, t := range ts {
			n := t.Shape[dim] * inner
			copy(out.Data[off:off+n], t.Data[o*n:(o+1)*n])
			off += n
		}
	}
	return out, nil
}

// Transpose12 swaps dimensions 1 and 2 of a rank-4 tensor, e.g.
// (batch, seq, heads, dim) <-> (batch, heads, seq, dim).
func (t *Tensor) Transpose12() (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, shapeErr("transpose(1,2)", t.Shape)
	}
	b, d1, d2, d3 := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := New(b, d2, d1, d3)
	for i := range b {
		for j := range d1 {
			for k := range d2 {
				src := t.Data[((i*d1+j)*d2+k)*d3:][:d3]
				copy(out.Data[((i*d2+k)*d1+j)*d3:], src)
			}
		}
	}
	return out, nil
}

// Row returns a view of row i of the matrix obtained by flattening all
// leading dimensions.
func (t *Tensor) Row(i int) []float32 {
	c := t.Shape[len(t.Shape)-1]
	return t.Data[i*c : (i+1)*c]
}

// Rows is the product of all dimensions except the last.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return len(t.Data) / max(t.Shape[len(t.Shape)-1], 1)
}

// Repeat repeats dimension dim n times in place (each slice repeated consecutively),
// as used to expand grouped key/value heads.
func (t *Tensor) Repeat(dim, n int) *Tensor {
	if n == 1 {
		return t
	}
	outer, mid, inner := t.split(dim)
	shape := slices.Clone(t.Shape)
	shape[dim] = mid * n
	out := New(shape...)
	off := 0
	for o := range outer {
		for m := range mid {
			src := t.Data[(o*mid+m)*inner : (o*mid+m+1)*inner]
			for range n {
				copy(out.Data[off:], src)
				off += inner
			}
		}
	}
	return out
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}
