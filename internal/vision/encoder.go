package vision

import (
	"fmt"
	"math"

	"github.com/samcharles93/weave/internal/kvcache"
	"github.com/samcharles93/weave/internal/model"
	"github.com/samcharles93/weave/internal/nn"
	"github.com/samcharles93/weave/internal/tensor"
)

type selfAttention struct {
	q, k, v, o *nn.Dense
	heads, dim int
}

func loadSelfAttention(src model.WeightSource, prefix string, cfg VisionConfig) (*selfAttention, error) {
	a := &selfAttention{heads: cfg.NumAttentionHeads, dim: cfg.HeadDim()}
	for _, p := range []struct {
		dst   **nn.Dense
		names []string
	}{
		{&a.q, []string{"q_proj"}},
		{&a.k, []string{"k_proj"}},
		{&a.v, []string{"v_proj"}},
		{&a.o, []string{"o_proj", "out_proj"}},
	} {
		name := ""
		for _, n := range p.names {
			if src.Has(prefix + n + ".weight") {
				name = prefix + n
				break
			}
		}
		if name == "" {
			return nil, fmt.Errorf("%s%v.weight: %w", prefix, p.names, model.ErrTensorNotFound)
		}
		d, err := model.LoadDense(src, name+".weight", name+".bias")
		if err != nil {
			return nil, err
		}
		*p.dst = d
	}
	return a, nil
}

// forward runs full self-attention over x (n, seq, hidden). The K/V write
// replaces the layer's cache slot.
func (a *selfAttention) forward(x, mask *tensor.Tensor, cache *kvcache.Cache, layer int) (*tensor.Tensor, error) {
	q, err := a.q.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("q_proj: %w", err)
	}
	k, err := a.k.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("k_proj: %w", err)
	}
	v, err := a.v.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("v_proj: %w", err)
	}
	qh, err := nn.SplitHeads(q, a.heads, a.dim)
	if err != nil {
		return nil, err
	}
	kh, err := nn.SplitHeads(k, a.heads, a.dim)
	if err != nil {
		return nil, err
	}
	vh, err := nn.SplitHeads(v, a.heads, a.dim)
	if err != nil {
		return nil, err
	}
	if kh, vh, err = cache.Update(layer, kh, vh, true); err != nil {
		return nil, err
	}
	out, err := nn.Attend(qh, kh, vh, mask, float32(1/math.Sqrt(float64(a.dim))))
	if err != nil {
		return nil, err
	}
	return a.o.Forward(out)
}

type encoderLayer struct {
	norm1, norm2 *nn.LayerNorm
	attn         *selfAttention
	mlp          *nn.MLP
}

func loadLayerNorm(src model.WeightSource, prefix string, eps float64) (*nn.LayerNorm, error) {
	w, err := model.LoadVector(src, prefix+".weight")
	if err != nil {
		return nil, err
	}
	var b []float32
	if src.Has(prefix + ".bias") {
		if b, err = model.LoadVector(src, prefix+".bias"); err != nil {
			return nil, err
		}
	}
	return &nn.LayerNorm{Weight: w, Bias: b, Eps: float32(eps)}, nil
}

// Tower is the vision transformer: embeddings, pre-norm encoder layers and a
// final LayerNorm. It owns a cache that is rewritten on every call.
type Tower struct {
	embeddings *Embeddings
	layers     []*encoderLayer
	post       *nn.LayerNorm
	cache      *kvcache.Cache
	cfg        VisionConfig
}

// LoadTower binds the tower weights under prefix, e.g. "model.vision_model.".
func LoadTower(src model.WeightSource, prefix string, cfg VisionConfig) (*Tower, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, err := nn.ActivationByName(cfg.HiddenAct)
	if err != nil {
		return nil, fmt.Errorf("vision_config: %w", err)
	}
	emb, err := loadEmbeddings(src, prefix+"embeddings.", cfg)
	if err != nil {
		return nil, err
	}
	t := &Tower{embeddings: emb, cache: kvcache.New(cfg.NumHiddenLayers), cfg: cfg}
	for i := range cfg.NumHiddenLayers {
		lp := fmt.Sprintf("%sencoder.layers.%d.", prefix, i)
		l := &encoderLayer{mlp: &nn.MLP{Act: act}}
		if l.norm1, err = loadLayerNorm(src, lp+"layer_norm1", cfg.LayerNormEps); err != nil {
			return nil, err
		}
		if l.norm2, err = loadLayerNorm(src, lp+"layer_norm2", cfg.LayerNormEps); err != nil {
			return nil, err
		}
		if l.attn, err = loadSelfAttention(src, lp+"self_attn.", cfg); err != nil {
			return nil, err
		}
		if l.mlp.FC1, err = model.LoadDense(src, lp+"mlp.fc1.weight", lp+"mlp.fc1.bias"); err != nil {
			return nil, err
		}
		if l.mlp.FC2, err = model.LoadDense(src, lp+"mlp.fc2.weight", lp+"mlp.fc2.bias"); err != nil {
			return nil, err
		}
		t.layers = append(t.layers, l)
	}
	if t.post, err = loadLayerNorm(src, prefix+"post_layernorm", cfg.LayerNormEps); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tower) NumLayers() int { return len(t.layers) }

// Forward encodes pixels (n, channels, H, W). patchMask is (n, H/patch,
// W/patch) or nil for all-valid; the result is (n, patches, hidden).
func (t *Tower) Forward(pixels, patchMask *tensor.Tensor) (*tensor.Tensor, error) {
	if pixels.Rank() != 4 {
		return nil, fmt.Errorf("vision tower: pixels %v: %w", pixels.Shape, tensor.ErrShape)
	}
	p := t.cfg.PatchSize
	var attnMask *tensor.Tensor
	if patchMask == nil {
		patchMask = tensor.Full(1, pixels.Shape[0], pixels.Shape[2]/p, pixels.Shape[3]/p)
	} else {
		flat, err := patchMask.Reshape(patchMask.Shape[0], -1)
		if err != nil {
			return nil, err
		}
		if attnMask, err = kvcache.ExpandMask(flat, flat.Shape[1]); err != nil {
			return nil, err
		}
	}
	x, err := t.embeddings.Forward(pixels, patchMask)
	if err != nil {
		return nil, err
	}
	for i, l := range t.layers {
		h, err := l.norm1.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("vision layer %d: %w", i, err)
		}
		a, err := l.attn.forward(h, attnMask, t.cache, i)
		if err != nil {
			return nil, fmt.Errorf("vision layer %d self_attn: %w", i, err)
		}
		tensor.Add(x.Data, a.Data)
		if h, err = l.norm2.Forward(x); err != nil {
			return nil, fmt.Errorf("vision layer %d: %w", i, err)
		}
		m, err := l.mlp.Forward(h)
		if err != nil {
			return nil, fmt.Errorf("vision layer %d mlp: %w", i, err)
		}
		tensor.Add(x.Data, m.Data)
	}
	return t.post.Forward(x)
}
