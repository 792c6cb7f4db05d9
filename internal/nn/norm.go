package nn

import (
	"fmt"

	"github.com/samcharles93/weave/internal/tensor"
)

type RMSNorm struct {
	Weight []float32
	Eps    float32
}

func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim(-1) != len(n.Weight) {
		return nil, fmt.Errorf("rms_norm: input %v, weight %d: %w", x.Shape, len(n.Weight), tensor.ErrShape)
	}
	out := tensor.New(x.Shape...)
	for r := range x.Rows() {
		tensor.RMSNorm(out.Row(r), x.Row(r), n.Weight, n.Eps)
	}
	return out, nil
}

type LayerNorm struct {
	Weight []float32
	Bias   []float32
	Eps    float32
}

func (n *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim(-1) != len(n.Weight) {
		return nil, fmt.Errorf("layer_norm: input %v, weight %d: %w", x.Shape, len(n.Weight), tensor.ErrShape)
	}
	out := tensor.New(x.Shape...)
	for r := range x.Rows() {
		tensor.LayerNorm(out.Row(r), x.Row(r), n.Weight, n.Bias, n.Eps)
	}
	return out, nil
}
