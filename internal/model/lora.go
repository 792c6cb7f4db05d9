package model

import (
	"fmt"
	"strings"

	"github.com/samcharles93/weave/internal/nn"
	"github.com/samcharles93/weave/internal/safetensors"
	"github.com/samcharles93/weave/internal/tensor"
)

// LoraConfig is the adapter_config.json of one LoRA adapter.
type LoraConfig struct {
	Rank          int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	TargetModules []string `json:"target_modules"`
}

func (c LoraConfig) targets(module string) bool {
	if len(c.TargetModules) == 0 {
		return true
	}
	for _, m := range c.TargetModules {
		if m == module {
			return true
		}
	}
	return false
}

func (c LoraConfig) scale() float32 {
	if c.Rank <= 0 {
		return 1
	}
	return float32(c.Alpha / float64(c.Rank))
}

// scalingState carries the per-token adapter weights of the current forward
// to every wrapped projection.
type scalingState struct {
	// scalings is (batch, seq, layers, adapters), or nil to run the base model only.
	scalings *tensor.Tensor
	global   float32
}

// loraLinear adds Σ_a s_a·(alpha_a/r_a)·B_a(A_a(x)) to a base projection.
// Adapters that do not target the module have nil A/B.
type loraLinear struct {
	base  nn.Linear
	layer int
	a, b  []nn.Linear
	scale []float32
	state *scalingState
}

func (l *loraLinear) InFeatures() int  { return l.base.InFeatures() }
func (l *loraLinear) OutFeatures() int { return l.base.OutFeatures() }

func (l *loraLinear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := l.base.Forward(x)
	if err != nil {
		return nil, err
	}
	s := l.state.scalings
	if s == nil {
		return out, nil
	}
	if x.Rank() != 3 || s.Shape[0] != x.Shape[0] || s.Shape[1] != x.Shape[1] {
		return nil, fmt.Errorf("lora: scalings %v for input %v: %w", s.Shape, x.Shape, tensor.ErrShape)
	}
	layers, adapters := s.Shape[2], s.Shape[3]
	for ai := range l.a {
		if l.a[ai] == nil {
			continue
		}
		h, err := l.a[ai].Forward(x)
		if err != nil {
			return nil, fmt.Errorf("lora_A[%d]: %w", ai, err)
		}
		d, err := l.b[ai].Forward(h)
		if err != nil {
			return nil, fmt.Errorf("lora_B[%d]: %w", ai, err)
		}
		for r := range out.Rows() {
			coef := s.Data[(r*layers+l.layer)*adapters+ai] * l.scale[ai] * l.state.global
			if coef == 0 {
				continue
			}
			dst, src := out.Row(r), d.Row(r)
			for j := range dst {
				dst[j] += coef * src[j]
			}
		}
	}
	return out, nil
}

// loraNames derives the adapter tensor names for a Hugging Face base weight name.
func loraNames(adapter, weight string) (a, b string) {
	stem := safetensors.AdapterPrefix + adapter + "." + strings.TrimSuffix(weight, ".weight")
	return stem + ".lora_A.weight", stem + ".lora_B.weight"
}
