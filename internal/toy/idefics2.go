package toy

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/samcharles93/weave/internal/tensor"
)

// VisionSpec sizes the vision tower and perceiver of a toy Idefics2.
type VisionSpec struct {
	Hidden       int
	Intermediate int
	Layers       int
	Heads        int
	Channels     int
	ImageSize    int
	Patch        int

	Latents    int
	Depth      int
	RHeads     int
	RHeadDim   int
	RKVHeads   int
	ImageToken int
}

// TinyVision pairs with Tiny: 8x8 images in 4x4 patches, four latents.
func TinyVision() VisionSpec {
	return VisionSpec{
		Hidden: 8, Intermediate: 16, Layers: 1, Heads: 2, Channels: 3, ImageSize: 8, Patch: 4,
		Latents: 4, Depth: 1, RHeads: 2, RHeadDim: 4, RKVHeads: 1, ImageToken: 31,
	}
}

func (v VisionSpec) config(c Config) map[string]any {
	return map[string]any{
		"model_type":     "idefics2",
		"image_token_id": v.ImageToken,
		"vision_config": map[string]any{
			"hidden_size":         v.Hidden,
			"intermediate_size":   v.Intermediate,
			"num_hidden_layers":   v.Layers,
			"num_attention_heads": v.Heads,
			"num_channels":        v.Channels,
			"image_size":          v.ImageSize,
			"patch_size":          v.Patch,
			"hidden_act":          "gelu_pytorch_tanh",
			"layer_norm_eps":      1e-6,
		},
		"perceiver_config": map[string]any{
			"hidden_act":          "silu",
			"resampler_n_latents": v.Latents,
			"resampler_depth":     v.Depth,
			"resampler_n_heads":   v.RHeads,
			"resampler_head_dim":  v.RHeadDim,
			"num_key_value_heads": v.RKVHeads,
		},
		"text_config": c.TextConfig(),
	}
}

func (v VisionSpec) tensors(c Config) map[string]*tensor.Tensor {
	f := newFiller(c.Seed + 1000)
	out := map[string]*tensor.Tensor{}
	vp := "model.vision_model."
	side := v.ImageSize / v.Patch
	out[vp+"embeddings.patch_embedding.weight"] = f.rand(v.Hidden, v.Channels, v.Patch, v.Patch)
	out[vp+"embeddings.patch_embedding.bias"] = f.rand(v.Hidden)
	out[vp+"embeddings.position_embedding.weight"] = f.rand(side*side, v.Hidden)
	for i := range v.Layers {
		p := fmt.Sprintf("%sencoder.layers.%d.", vp, i)
		for _, ln := range []string{"layer_norm1", "layer_norm2"} {
			out[p+ln+".weight"] = ones(v.Hidden)
			out[p+ln+".bias"] = tensor.New(v.Hidden)
		}
		for _, proj := range []string{"q_proj", "k_proj", "v_proj", "out_proj"} {
			out[p+"self_attn."+proj+".weight"] = f.rand(v.Hidden, v.Hidden)
			out[p+"self_attn."+proj+".bias"] = f.rand(v.Hidden)
		}
		out[p+"mlp.fc1.weight"] = f.rand(v.Intermediate, v.Hidden)
		out[p+"mlp.fc1.bias"] = f.rand(v.Intermediate)
		out[p+"mlp.fc2.weight"] = f.rand(v.Hidden, v.Intermediate)
		out[p+"mlp.fc2.bias"] = f.rand(v.Hidden)
	}
	out[vp+"post_layernorm.weight"] = ones(v.Hidden)
	out[vp+"post_layernorm.bias"] = tensor.New(v.Hidden)

	cp := "model.connector.modality_projection."
	out[cp+"gate_proj.weight"] = f.rand(c.Intermediate, v.Hidden)
	out[cp+"up_proj.weight"] = f.rand(c.Intermediate, v.Hidden)
	out[cp+"down_proj.weight"] = f.rand(c.Hidden, c.Intermediate)

	rp := "model.connector.perceiver_resampler."
	out[rp+"latents"] = f.rand(v.Latents, c.Hidden)
	for i := range v.Depth {
		p := fmt.Sprintf("%slayers.%d.", rp, i)
		for _, n := range []string{"input_latents_norm", "input_context_norm", "post_attention_layernorm"} {
			out[p+n+".weight"] = ones(c.Hidden)
		}
		out[p+"self_attn.q_proj.weight"] = f.rand(v.RHeads*v.RHeadDim, c.Hidden)
		out[p+"self_attn.k_proj.weight"] = f.rand(v.RKVHeads*v.RHeadDim, c.Hidden)
		out[p+"self_attn.v_proj.weight"] = f.rand(v.RKVHeads*v.RHeadDim, c.Hidden)
		out[p+"self_attn.o_proj.weight"] = f.rand(c.Hidden, v.RHeads*v.RHeadDim)
		out[p+"mlp.gate_proj.weight"] = f.rand(c.Hidden*4, c.Hidden)
		out[p+"mlp.up_proj.weight"] = f.rand(c.Hidden*4, c.Hidden)
		out[p+"mlp.down_proj.weight"] = f.rand(c.Hidden, c.Hidden*4)
	}
	out[rp+"norm.weight"] = ones(c.Hidden)
	return out
}

// WriteIdefics2 writes a vision-language checkpoint: config.json with nested
// vision, perceiver and text configs, and sharded safetensors weights.
func WriteIdefics2(dir string, c Config, v VisionSpec) (Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, err
	}
	cfgPath := filepath.Join(dir, "config.json")
	if err := writeJSON(cfgPath, v.config(c)); err != nil {
		return Files{}, err
	}
	all := c.TextTensors("model.text_model.")
	maps.Copy(all, v.tensors(c))
	shards, err := writeSharded(dir, all)
	if err != nil {
		return Files{}, err
	}
	return Files{Config: cfgPath, Weights: shards}, nil
}
