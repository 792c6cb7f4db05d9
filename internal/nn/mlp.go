package nn

import (
	"fmt"
	"strings"

	"github.com/samcharles93/weave/internal/tensor"
)

type Activation func(float32) float32

// ActivationByName resolves a Hugging Face hidden_act string.
func ActivationByName(name string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "silu", "swish":
		return tensor.Silu, nil
	case "gelu_pytorch_tanh", "gelu_new", "gelu_fast":
		return tensor.GeluTanh, nil
	case "gelu":
		return tensor.Gelu, nil
	case "relu":
		return tensor.Relu, nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", name)
	}
}

// GatedMLP computes down(act(gate(x)) * up(x)).
type GatedMLP struct {
	Gate, Up, Down Linear
	Act            Activation
}

func (m *GatedMLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.Gate.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("gate_proj: %w", err)
	}
	u, err := m.Up.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("up_proj: %w", err)
	}
	tensor.Apply(g.Data, m.Act)
	tensor.Mul(g.Data, u.Data)
	out, err := m.Down.Forward(g)
	if err != nil {
		return nil, fmt.Errorf("down_proj: %w", err)
	}
	return out, nil
}

// MLP computes fc2(act(fc1(x))).
type MLP struct {
	FC1, FC2 Linear
	Act      Activation
}

func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.FC1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("fc1: %w", err)
	}
	tensor.Apply(h.Data, m.Act)
	out, err := m.FC2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("fc2: %w", err)
	}
	return out, nil
}
