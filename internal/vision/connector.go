package vision

import (
	"fmt"
	"math"

	"github.com/samcharles93/weave/internal/kvcache"
	"github.com/samcharles93/weave/internal/model"
	"github.com/samcharles93/weave/internal/nn"
	"github.com/samcharles93/weave/internal/tensor"
)

func loadGatedMLP(src model.WeightSource, prefix string, act nn.Activation) (*nn.GatedMLP, error) {
	m := &nn.GatedMLP{Act: act}
	var err error
	if m.Gate, err = src.Linear(prefix + "gate_proj.weight"); err != nil {
		return nil, err
	}
	if m.Up, err = src.Linear(prefix + "up_proj.weight"); err != nil {
		return nil, err
	}
	if m.Down, err = src.Linear(prefix + "down_proj.weight"); err != nil {
		return nil, err
	}
	return m, nil
}

type perceiverLayer struct {
	latentsNorm, contextNorm, postAttnNorm *nn.RMSNorm
	q, k, v, o                             nn.Linear
	mlp                                    *nn.GatedMLP
}

// Resampler compresses a variable-length context into NLatents vectors with
// cross-attention from learned latents. It owns a cache rewritten per call.
type Resampler struct {
	latents *tensor.Tensor // (n_latents, hidden)
	layers  []*perceiverLayer
	norm    *nn.RMSNorm
	cache   *kvcache.Cache
	cfg     PerceiverConfig
}

func loadResampler(src model.WeightSource, prefix string, cfg PerceiverConfig, text model.TextConfig) (*Resampler, error) {
	act, err := nn.ActivationByName(cfg.HiddenAct)
	if err != nil {
		return nil, fmt.Errorf("perceiver_config: %w", err)
	}
	latents, err := src.Tensor(prefix + "latents")
	if err != nil {
		return nil, err
	}
	if latents.Rank() != 2 || latents.Shape[0] != cfg.NLatents || latents.Shape[1] != text.HiddenSize {
		return nil, fmt.Errorf("%slatents: shape %v, want [%d %d]", prefix, latents.Shape, cfg.NLatents, text.HiddenSize)
	}
	eps := float32(text.RMSNormEps)
	norm := func(name string) (*nn.RMSNorm, error) {
		w, err := model.LoadVector(src, name)
		if err != nil {
			return nil, err
		}
		return &nn.RMSNorm{Weight: w, Eps: eps}, nil
	}
	r := &Resampler{latents: latents, cache: kvcache.New(cfg.Depth), cfg: cfg}
	for i := range cfg.Depth {
		lp := fmt.Sprintf("%slayers.%d.", prefix, i)
		l := &perceiverLayer{}
		if l.latentsNorm, err = norm(lp + "input_latents_norm.weight"); err != nil {
			return nil, err
		}
		if l.contextNorm, err = norm(lp + "input_context_norm.weight"); err != nil {
			return nil, err
		}
		if l.postAttnNorm, err = norm(lp + "post_attention_layernorm.weight"); err != nil {
			return nil, err
		}
		for _, p := range []struct {
			dst  *nn.Linear
			name string
		}{
			{&l.q, "q_proj"}, {&l.k, "k_proj"}, {&l.v, "v_proj"}, {&l.o, "o_proj"},
		} {
			if *p.dst, err = src.Linear(lp + "self_attn." + p.name + ".weight"); err != nil {
				return nil, err
			}
		}
		if l.q.OutFeatures() != cfg.NHeads*cfg.HeadDim || l.k.OutFeatures() != cfg.NumKeyValueHeads*cfg.HeadDim {
			return nil, fmt.Errorf("%sself_attn: q/k widths %d/%d do not match %d heads, %d kv heads of %d",
				lp, l.q.OutFeatures(), l.k.OutFeatures(), cfg.NHeads, cfg.NumKeyValueHeads, cfg.HeadDim)
		}
		if l.mlp, err = loadGatedMLP(src, lp+"mlp.", act); err != nil {
			return nil, err
		}
		r.layers = append(r.layers, l)
	}
	if r.norm, err = norm(prefix + "norm.weight"); err != nil {
		return nil, err
	}
	return r, nil
}

// Forward maps context (n, patches, hidden) and its keep-mask (n, patches)
// to (n, n_latents, hidden).
func (r *Resampler) Forward(context, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if context.Rank() != 3 || context.Shape[2] != r.latents.Shape[1] {
		return nil, fmt.Errorf("resampler: context %v: %w", context.Shape, tensor.ErrShape)
	}
	n, patches := context.Shape[0], context.Shape[1]
	if mask == nil {
		mask = tensor.Full(1, n, patches)
	}
	if mask.Rank() != 2 || mask.Shape[0] != n || mask.Shape[1] != patches {
		return nil, fmt.Errorf("resampler: mask %v for context %v: %w", mask.Shape, context.Shape, tensor.ErrShape)
	}
	keep, err := tensor.Cat(1, mask, tensor.Full(1, n, r.cfg.NLatents))
	if err != nil {
		return nil, err
	}
	attnMask, err := kvcache.ExpandMask(keep, r.cfg.NLatents)
	if err != nil {
		return nil, err
	}

	latents := r.latents.Unsqueeze(0).Repeat(0, n)
	for i, l := range r.layers {
		if latents, err = r.layer(i, l, latents, context, attnMask); err != nil {
			return nil, fmt.Errorf("perceiver layer %d: %w", i, err)
		}
	}
	return r.norm.Forward(latents)
}

func (r *Resampler) layer(i int, l *perceiverLayer, latents, context, mask *tensor.Tensor) (*tensor.Tensor, error) {
	lat, err := l.latentsNorm.Forward(latents)
	if err != nil {
		return nil, err
	}
	ctx, err := l.contextNorm.Forward(context)
	if err != nil {
		return nil, err
	}
	kvIn, err := tensor.Cat(1, ctx, lat)
	if err != nil {
		return nil, err
	}
	q, err := l.q.Forward(lat)
	if err != nil {
		return nil, fmt.Errorf("q_proj: %w", err)
	}
	k, err := l.k.Forward(kvIn)
	if err != nil {
		return nil, fmt.Errorf("k_proj: %w", err)
	}
	v, err := l.v.Forward(kvIn)
	if err != nil {
		return nil, fmt.Errorf("v_proj: %w", err)
	}
	hd := r.cfg.HeadDim
	qh, err := nn.SplitHeads(q, r.cfg.NHeads, hd)
	if err != nil {
		return nil, err
	}
	kh, err := nn.SplitHeads(k, r.cfg.NumKeyValueHeads, hd)
	if err != nil {
		return nil, err
	}
	vh, err := nn.SplitHeads(v, r.cfg.NumKeyValueHeads, hd)
	if err != nil {
		return nil, err
	}
	if kh, vh, err = r.cache.Update(i, kh, vh, true); err != nil {
		return nil, err
	}
	attn, err := nn.Attend(qh, kh, vh, mask, float32(1/math.Sqrt(float64(hd))))
	if err != nil {
		return nil, err
	}
	o, err := l.o.Forward(attn)
	if err != nil {
		return nil, fmt.Errorf("o_proj: %w", err)
	}
	out := latents.Clone()
	tensor.Add(out.Data, o.Data)
	h, err := l.postAttnNorm.Forward(out)
	if err != nil {
		return nil, err
	}
	m, err := l.mlp.Forward(h)
	if err != nil {
		return nil, err
	}
	tensor.Add(out.Data, m.Data)
	return out, nil
}

// Connector projects vision features into the text space and resamples them
// to a fixed length.
type Connector struct {
	projection *nn.GatedMLP
	resampler  *Resampler
}

// LoadConnector binds weights under prefix, e.g. "model.connector.".
func LoadConnector(src model.WeightSource, prefix string, cfg Config) (*Connector, error) {
	act, err := nn.ActivationByName(cfg.Text.HiddenAct)
	if err != nil {
		return nil, fmt.Errorf("text_config: %w", err)
	}
	proj, err := loadGatedMLP(src, prefix+"modality_projection.", act)
	if err != nil {
		return nil, err
	}
	if proj.Gate.InFeatures() != cfg.Vision.HiddenSize || proj.Down.OutFeatures() != cfg.Text.HiddenSize {
		return nil, fmt.Errorf("%smodality_projection: maps %d -> %d, want %d -> %d", prefix,
			proj.Gate.InFeatures(), proj.Down.OutFeatures(), cfg.Vision.HiddenSize, cfg.Text.HiddenSize)
	}
	res, err := loadResampler(src, prefix+"perceiver_resampler.", cfg.Perceiver, cfg.Text)
	if err != nil {
		return nil, err
	}
	return &Connector{projection: proj, resampler: res}, nil
}

// Forward maps vision hidden states (n, patches, vision_hidden) and their
// keep-mask (n, patches) to (n, n_latents, text_hidden).
func (c *Connector) Forward(hidden, mask *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := c.projection.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("modality_projection: %w", err)
	}
	return c.resampler.Forward(x, mask)
}
