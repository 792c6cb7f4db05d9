package toy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samcharles93/weave/internal/safetensors"
	"github.com/samcharles93/weave/internal/tensor"
)

// XLoraSpec sizes the adapters and the scaling classifier.
type XLoraSpec struct {
	Adapters       []string
	Rank           int
	Alpha          float64
	Depth          int
	Size           int
	Layerwise      bool
	TopK           int
	Targets        []string
	ClassifierSeed uint64
}

// TinyXLora is two rank-2 adapters over every projection with a two-layer classifier.
func TinyXLora() XLoraSpec {
	return XLoraSpec{
		Adapters:       []string{"math", "code"},
		Rank:           2,
		Alpha:          4,
		Depth:          2,
		Size:           8,
		Layerwise:      true,
		ClassifierSeed: 7,
	}
}

// XLoraFiles is the layout WriteXLora produced.
type XLoraFiles struct {
	Config     string
	Classifier string
	Ordering   string
	Adapters   map[string]string
}

var loraModules = []struct{ module, path string }{
	{"q_proj", "self_attn.q_proj"},
	{"k_proj", "self_attn.k_proj"},
	{"v_proj", "self_attn.v_proj"},
	{"o_proj", "self_attn.o_proj"},
	{"gate_proj", "mlp.gate_proj"},
	{"up_proj", "mlp.up_proj"},
	{"down_proj", "mlp.down_proj"},
}

// moduleDims returns (out, in) of a decoder projection.
func (c Config) moduleDims(module string) (int, int) {
	hd := c.HeadDim()
	switch module {
	case "q_proj":
		return c.Heads * hd, c.Hidden
	case "k_proj", "v_proj":
		return c.KVHeads * hd, c.Hidden
	case "o_proj":
		return c.Hidden, c.Heads * hd
	case "gate_proj", "up_proj":
		return c.Intermediate, c.Hidden
	default:
		return c.Hidden, c.Intermediate
	}
}

// WriteXLora writes PEFT adapters under dir/adapters/<name>, the classifier
// weights, xlora_config.json and ordering.json for a base sized by c.
func WriteXLora(dir string, c Config, s XLoraSpec) (XLoraFiles, error) {
	out := XLoraFiles{
		Config:     filepath.Join(dir, "xlora_config.json"),
		Classifier: filepath.Join(dir, "xlora_classifier.safetensors"),
		Ordering:   filepath.Join(dir, "ordering.json"),
		Adapters:   map[string]string{},
	}
	adapterMap := map[string]string{}
	for ai, name := range s.Adapters {
		adir := filepath.Join(dir, "adapters", name)
		if err := os.MkdirAll(adir, 0o755); err != nil {
			return out, err
		}
		f := newFiller(c.Seed + uint64(ai) + 100)
		ts := map[string]*tensor.Tensor{}
		for i := range c.Layers {
			for _, m := range loraModules {
				if !targeted(s.Targets, m.module) {
					continue
				}
				rows, cols := c.moduleDims(m.module)
				stem := fmt.Sprintf("base_model.model.model.layers.%d.%s", i, m.path)
				ts[stem+".lora_A.weight"] = f.rand(s.Rank, cols)
				ts[stem+".lora_B.weight"] = f.rand(rows, s.Rank)
			}
		}
		weights := filepath.Join(adir, "adapter_model.safetensors")
		if err := safetensors.Write(weights, ts); err != nil {
			return out, err
		}
		targets := s.Targets
		if targets == nil {
			targets = []string{}
			for _, m := range loraModules {
				targets = append(targets, m.module)
			}
		}
		cfg := map[string]any{"r": s.Rank, "lora_alpha": s.Alpha, "target_modules": targets, "peft_type": "LORA"}
		if err := writeJSON(filepath.Join(adir, "adapter_config.json"), cfg); err != nil {
			return out, err
		}
		out.Adapters[name] = adir
		adapterMap[name] = filepath.Join("adapters", name)
	}

	f := newFiller(s.ClassifierSeed)
	cls := map[string]*tensor.Tensor{}
	in := c.Hidden
	for i := range s.Depth - 1 {
		cls[fmt.Sprintf("inner.%d.weight", i)] = f.rand(s.Size, in)
		cls[fmt.Sprintf("inner.%d.bias", i)] = f.rand(s.Size)
		in = s.Size
	}
	last := len(s.Adapters)
	if s.Layerwise {
		last *= c.Layers
	}
	cls["last.weight"] = f.rand(last, in)
	cls["last.bias"] = f.rand(last)
	if err := safetensors.Write(out.Classifier, cls); err != nil {
		return out, err
	}

	cfg := map[string]any{
		"hidden_size":             c.Hidden,
		"xlora_depth":             s.Depth,
		"xlora_size":              s.Size,
		"enable_relu_and_dropout": true,
		"enable_softmax":          true,
		"layerwise_scalings":      s.Layerwise,
		"softmax_temperature":     1.0,
		"top_k_lora":              s.TopK,
		"scaling_pass_value":      0.0,
		"global_scaling_weight":   1.0,
		"adapters":                adapterMap,
	}
	if err := writeJSON(out.Config, cfg); err != nil {
		return out, err
	}
	layers := map[string]int{}
	for i := range c.Layers {
		for _, m := range loraModules {
			layers[fmt.Sprintf("model.layers.%d.%s", i, m.path)] = i
		}
	}
	ordering := map[string]any{"order": s.Adapters, "layers": layers, "base_model_id": "toy/base"}
	if err := writeJSON(out.Ordering, ordering); err != nil {
		return out, err
	}
	return out, nil
}

func targeted(targets []string, module string) bool {
	if len(targets) == 0 {
		return true
	}
	for _, t := range targets {
		if t == module {
			return true
		}
	}
	return false
}
