package model

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weave/internal/kvcache"
	"github.com/samcharles93/weave/internal/nn"
	"github.com/samcharles93/weave/internal/tensor"
)

// ErrMissingFullInput is returned when an adapter model is stepped without
// the full-history input its scaling pass needs.
var ErrMissingFullInput = errors.New("x-lora forward requires the full-history input")

// XLoraConfig is the classifier configuration (xlora_config.json).
type XLoraConfig struct {
	HiddenSize           int               `json:"hidden_size"`
	XLoraDepth           int               `json:"xlora_depth"`
	XLoraSize            int               `json:"xlora_size"`
	EnableReluAndDropout bool              `json:"enable_relu_and_dropout"`
	EnableSoftmax        bool              `json:"enable_softmax"`
	LayerwiseScalings    bool              `json:"layerwise_scalings"`
	SoftmaxTemperature   float64           `json:"softmax_temperature"`
	TopKLora             int               `json:"top_k_lora"`
	ScalingPassValue     float64           `json:"scaling_pass_value"`
	GlobalScalingWeight  float64           `json:"global_scaling_weight"`
	Adapters             map[string]string `json:"adapters"`
}

func ParseXLoraConfig(raw []byte) (XLoraConfig, error) {
	cfg := XLoraConfig{
		XLoraDepth:          1,
		XLoraSize:           2048,
		EnableSoftmax:       true,
		SoftmaxTemperature:  1,
		GlobalScalingWeight: 1,
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse xlora config: %w", err)
	}
	if cfg.XLoraDepth <= 0 {
		return cfg, fmt.Errorf("xlora_depth must be > 0")
	}
	if cfg.XLoraDepth > 1 && cfg.XLoraSize <= 0 {
		return cfg, fmt.Errorf("xlora_size must be > 0 when xlora_depth > 1")
	}
	if cfg.SoftmaxTemperature <= 0 {
		return cfg, fmt.Errorf("softmax_temperature must be > 0")
	}
	return cfg, nil
}

// Ordering fixes the adapter order shared by the classifier outputs and the
// adapter weights.
type Ordering struct {
	Adapters    []string       `json:"order"`
	Layers      map[string]int `json:"layers"`
	BaseModelID string         `json:"base_model_id"`
}

func ParseOrdering(raw []byte) (Ordering, error) {
	var o Ordering
	if err := json.Unmarshal(raw, &o); err != nil {
		return o, fmt.Errorf("parse ordering: %w", err)
	}
	if len(o.Adapters) == 0 {
		return o, fmt.Errorf("ordering lists no adapters")
	}
	seen := make(map[string]bool, len(o.Adapters))
	for _, a := range o.Adapters {
		if seen[a] {
			return o, fmt.Errorf("ordering lists adapter %q twice", a)
		}
		seen[a] = true
	}
	return o, nil
}

// Classifier maps hidden states to per-token adapter scalings.
type Classifier struct {
	layers    []nn.Linear
	relu      bool
	nLayers   int
	nAdapters int
	cfg       XLoraConfig
}

// LoadClassifier binds inner.<i> and last projections from src.
func LoadClassifier(src WeightSource, cfg XLoraConfig, nLayers, nAdapters int) (*Classifier, error) {
	c := &Classifier{relu: cfg.EnableReluAndDropout, nLayers: nLayers, nAdapters: nAdapters, cfg: cfg}
	for i := range cfg.XLoraDepth - 1 {
		l, err := LoadDense(src, fmt.Sprintf("inner.%d.weight", i), fmt.Sprintf("inner.%d.bias", i))
		if err != nil {
			return nil, fmt.Errorf("xlora classifier: %w", err)
		}
		c.layers = append(c.layers, l)
	}
	last, err := LoadDense(src, "last.weight", "last.bias")
	if err != nil {
		return nil, fmt.Errorf("xlora classifier: %w", err)
	}
	want := nAdapters
	if cfg.LayerwiseScalings {
		want *= nLayers
	}
	if last.OutFeatures() != want {
		return nil, fmt.Errorf("xlora classifier: last layer has %d outputs, want %d", last.OutFeatures(), want)
	}
	c.layers = append(c.layers, last)
	return c, nil
}

// Scalings returns (batch, seq, layers, adapters) weights for hidden (batch, seq, hidden).
func (c *Classifier) Scalings(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	x := hidden
	for i, l := range c.layers {
		var err error
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("xlora classifier layer %d: %w", i, err)
		}
		if c.relu && i < len(c.layers)-1 {
			tensor.Apply(x.Data, tensor.Relu)
		}
	}
	batch, seq := hidden.Shape[0], hidden.Shape[1]
	out := tensor.New(batch, seq, c.nLayers, c.nAdapters)
	for r := range x.Rows() {
		src := x.Row(r)
		for l := range c.nLayers {
			logits := src
			if c.cfg.LayerwiseScalings {
				logits = src[l*c.nAdapters : (l+1)*c.nAdapters]
			}
			dst := out.Data[(r*c.nLayers+l)*c.nAdapters:][:c.nAdapters]
			copy(dst, logits)
			c.normalize(dst)
		}
	}
	return out, nil
}

// normalize applies top-k selection and the temperature softmax in place.
func (c *Classifier) normalize(s []float32) {
	if k := c.cfg.TopKLora; k > 0 && k < len(s) {
		sorted := slices.Clone(s)
		slices.Sort(sorted)
		threshold := sorted[len(sorted)-k]
		kept := 0
		for i, v := range s {
			if v >= threshold && kept < k {
				kept++
				continue
			}
			s[i] = float32(math.Inf(-1))
		}
	}
	if !c.cfg.EnableSoftmax {
		for i, v := range s {
			if math.IsInf(float64(v), -1) {
				s[i] = 0
			}
		}
		return
	}
	inv := float32(1 / c.cfg.SoftmaxTemperature)
	for i := range s {
		s[i] *= inv
	}
	tensor.Softmax(s)
}

// Adapter names one LoRA adapter and its hyperparameters.
type Adapter struct {
	Name   string
	Config LoraConfig
}

// XLora wraps a base decoder whose projections carry a mixture of LoRA
// adapters weighted per token by a classifier.
type XLora struct {
	Base       *Transformer
	Classifier *Classifier
	Config     XLoraConfig
	Adapters   []Adapter

	state   *scalingState
	scratch *kvcache.Cache
}

// NewXLora wraps the q/k/v/o and gate/up/down projections of base with the
// adapters found in src under "adapters.<name>.". adapters must follow the
// ordering the classifier was trained with.
func NewXLora(base *Transformer, src WeightSource, classifier *Classifier, cfg XLoraConfig, adapters []Adapter) (*XLora, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("x-lora: no adapters")
	}
	if classifier.nAdapters != len(adapters) || classifier.nLayers != base.NumLayers() {
		return nil, fmt.Errorf("x-lora: classifier sized for %d layers x %d adapters, model has %d x %d",
			classifier.nLayers, classifier.nAdapters, base.NumLayers(), len(adapters))
	}
	x := &XLora{
		Base:       base,
		Classifier: classifier,
		Config:     cfg,
		Adapters:   adapters,
		state:      &scalingState{global: float32(cfg.GlobalScalingWeight)},
		scratch:    kvcache.New(base.NumLayers()),
	}
	names := hfNames("model.").layer
	for i, blk := range base.blocks {
		targets := []struct {
			module string
			dst    *nn.Linear
			name   string
		}{
			{"q_proj", &blk.wq, names.wq(i)},
			{"k_proj", &blk.wk, names.wk(i)},
			{"v_proj", &blk.wv, names.wv(i)},
			{"o_proj", &blk.wo, names.wo(i)},
			{"gate_proj", &blk.mlp.Gate, names.ffnGate(i)},
			{"up_proj", &blk.mlp.Up, names.ffnUp(i)},
			{"down_proj", &blk.mlp.Down, names.ffnDown(i)},
		}
		for _, t := range targets {
			w, err := x.wrap(src, *t.dst, i, t.module, t.name)
			if err != nil {
				return nil, fmt.Errorf("x-lora layer %d %s: %w", i, t.module, err)
			}
			*t.dst = w
		}
	}
	return x, nil
}

func (x *XLora) wrap(src WeightSource, base nn.Linear, layer int, module, weight string) (nn.Linear, error) {
	l := &loraLinear{
		base:  base,
		layer: layer,
		a:     make([]nn.Linear, len(x.Adapters)),
		b:     make([]nn.Linear, len(x.Adapters)),
		scale: make([]float32, len(x.Adapters)),
		state: x.state,
	}
	wrapped := false
	for i, ad := range x.Adapters {
		if !ad.Config.targets(module) {
			continue
		}
		an, bn := loraNames(ad.Name, weight)
		if !src.Has(an) || !src.Has(bn) {
			continue
		}
		a, err := src.Linear(an)
		if err != nil {
			return nil, err
		}
		b, err := src.Linear(bn)
		if err != nil {
			return nil, err
		}
		if a.InFeatures() != base.InFeatures() || b.OutFeatures() != base.OutFeatures() || a.OutFeatures() != b.InFeatures() {
			return nil, fmt.Errorf("adapter %s: A [%d %d] B [%d %d] do not fit base [%d %d]: %w", ad.Name,
				a.OutFeatures(), a.InFeatures(), b.OutFeatures(), b.InFeatures(), base.OutFeatures(), base.InFeatures(), tensor.ErrShape)
		}
		l.a[i], l.b[i], l.scale[i] = a, b, ad.Config.scale()
		wrapped = true
	}
	if !wrapped {
		return base, nil
	}
	return l, nil
}

func (x *XLora) NumLayers() int { return x.Base.NumLayers() }
func (x *XLora) MaxSeqLen() int { return x.Base.MaxSeqLen() }
func (x *XLora) ResetCache()    { x.Base.ResetCache() }

// Forward runs the scaling pass over full, then the scaled forward over in.
func (x *XLora) Forward(in Input, full *Input) (*tensor.Tensor, error) {
	if full == nil {
		return nil, ErrMissingFullInput
	}
	if full.Batch != in.Batch {
		return nil, fmt.Errorf("x-lora: full input batch %d, step batch %d: %w", full.Batch, in.Batch, tensor.ErrShape)
	}
	scalings, err := x.scalingPass(*full)
	if err != nil {
		return nil, fmt.Errorf("x-lora scaling pass: %w", err)
	}
	if scalings.Shape[1] != in.SeqLen {
		if scalings, err = lastPositions(scalings, full.Lens, in.SeqLen); err != nil {
			return nil, err
		}
	}
	x.state.scalings = scalings
	defer func() { x.state.scalings = nil }()
	return x.Base.Forward(in)
}

// scalingPass runs the base model with constant scalings over the full
// history, using a scratch cache so the real cache is untouched.
func (x *XLora) scalingPass(full Input) (*tensor.Tensor, error) {
	emb, err := x.Base.Embed(full)
	if err != nil {
		return nil, err
	}
	x.state.scalings = tensor.Full(float32(x.Config.ScalingPassValue), full.Batch, full.SeqLen, x.NumLayers(), len(x.Adapters))
	defer func() {
		x.state.scalings = nil
		x.scratch.Reset()
	}()
	h, err := x.Base.hidden(emb, full, x.scratch, true)
	if err != nil {
		return nil, err
	}
	return x.Classifier.Scalings(h)
}

// lastPositions keeps the n positions ending at each row's last real token.
func lastPositions(s *tensor.Tensor, lens []int, n int) (*tensor.Tensor, error) {
	batch, seq := s.Shape[0], s.Shape[1]
	inner := s.Shape[2] * s.Shape[3]
	if n > seq || len(lens) != batch {
		return nil, fmt.Errorf("x-lora: cannot take %d positions from scalings %v: %w", n, s.Shape, tensor.ErrShape)
	}
	out := tensor.New(batch, n, s.Shape[2], s.Shape[3])
	for b := range batch {
		start := min(max(lens[b]-n, 0), seq-n)
		copy(out.Data[b*n*inner:(b+1)*n*inner], s.Data[(b*seq+start)*inner:(b*seq+start+n)*inner])
	}
	return out, nil
}
