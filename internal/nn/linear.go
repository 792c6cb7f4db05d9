package nn

import (
	"fmt"

	"github.com/samcharles93/weave/internal/tensor"
)

// Linear is a learned projection from InFeatures to OutFeatures applied to the
// last dimension of its input.
type Linear interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	InFeatures() int
	OutFeatures() int
}

// Dense is a full-precision Linear with weight (out, in) and an optional bias.
type Dense struct {
	Weight *tensor.Tensor
	Bias   []float32
}

func NewDense(weight *tensor.Tensor, bias []float32) (*Dense, error) {
	if weight == nil || weight.Rank() != 2 {
		return nil, fmt.Errorf("dense: weight must be 2-D, got %v", shapeOf(weight))
	}
	if bias != nil && len(bias) != weight.Shape[0] {
		return nil, fmt.Errorf("dense: bias length %d does not match out features %d", len(bias), weight.Shape[0])
	}
	return &Dense{Weight: weight, Bias: bias}, nil
}

func (d *Dense) InFeatures() int  { return d.Weight.Shape[1] }
func (d *Dense) OutFeatures() int { return d.Weight.Shape[0] }

func (d *Dense) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.MatMulT(x, d.Weight)
	if err != nil {
		return nil, err
	}
	if d.Bias != nil {
		for r := range out.Rows() {
			tensor.Add(out.Row(r), d.Bias)
		}
	}
	return out, nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}

// Embedding maps token ids to rows of a (vocab, hidden) table.
type Embedding struct {
	Weight *tensor.Tensor
}

func (e *Embedding) Hidden() int { return e.Weight.Shape[1] }

// Lookup gathers rows for ids and shapes the result as (batch, seq, hidden).
func (e *Embedding) Lookup(ids []int, batch, seq int) (*tensor.Tensor, error) {
	if len(ids) != batch*seq {
		return nil, fmt.Errorf("embedding: %d ids for batch %d seq %d: %w", len(ids), batch, seq, tensor.ErrShape)
	}
	vocab, hidden := e.Weight.Shape[0], e.Weight.Shape[1]
	out := tensor.New(batch, seq, hidden)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("embedding: token id %d out of range [0,%d)", id, vocab)
		}
		copy(out.Data[i*hidden:(i+1)*hidden], e.Weight.Row(id))
	}
	return out, nil
}
