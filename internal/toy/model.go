// Package toy writes small deterministic checkpoints in every container format
// the loader understands. Tests and the CLI's toy command use them to exercise
// the full load and forward path without real weights.
package toy

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weave/internal/tensor"
)

// Config sizes a toy Mistral-style decoder.
type Config struct {
	Vocab        int
	Hidden       int
	Intermediate int
	Layers       int
	Heads        int
	KVHeads      int
	Seed         uint64
}

// Tiny is a two-layer decoder with grouped-query attention.
func Tiny() Config {
	return Config{Vocab: 32, Hidden: 16, Intermediate: 32, Layers: 2, Heads: 4, KVHeads: 2, Seed: 1}
}

func (c Config) HeadDim() int { return c.Hidden / c.Heads }

// TextConfig returns the Hugging Face config.json fields for c.
func (c Config) TextConfig() map[string]any {
	return map[string]any{
		"model_type":              "mistral",
		"vocab_size":              c.Vocab,
		"hidden_size":             c.Hidden,
		"intermediate_size":       c.Intermediate,
		"num_hidden_layers":       c.Layers,
		"num_attention_heads":     c.Heads,
		"num_key_value_heads":     c.KVHeads,
		"hidden_act":              "silu",
		"max_position_embeddings": 256,
		"rms_norm_eps":            1e-6,
		"rope_theta":              10000.0,
		"sliding_window":          4096,
	}
}

// filler produces small deterministic weights.
type filler struct {
	r *rand.Rand
}

func newFiller(seed uint64) *filler {
	return &filler{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (f *filler) rand(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = (f.r.Float32() - 0.5) * 0.2
	}
	return t
}

func ones(n int) *tensor.Tensor { return tensor.Full(1, n) }

// TextTensors returns the decoder weights under Hugging Face names. base is
// the decoder prefix ("model." or "model.text_model.").
func (c Config) TextTensors(base string) map[string]*tensor.Tensor {
	f := newFiller(c.Seed)
	hd := c.HeadDim()
	out := map[string]*tensor.Tensor{
		base + "embed_tokens.weight": f.rand(c.Vocab, c.Hidden),
		base + "norm.weight":         ones(c.Hidden),
		"lm_head.weight":             f.rand(c.Vocab, c.Hidden),
	}
	for i := range c.Layers {
		p := fmt.Sprintf("%slayers.%d.", base, i)
		out[p+"input_layernorm.weight"] = ones(c.Hidden)
		out[p+"post_attention_layernorm.weight"] = ones(c.Hidden)
		out[p+"self_attn.q_proj.weight"] = f.rand(c.Heads*hd, c.Hidden)
		out[p+"self_attn.k_proj.weight"] = f.rand(c.KVHeads*hd, c.Hidden)
		out[p+"self_attn.v_proj.weight"] = f.rand(c.KVHeads*hd, c.Hidden)
		out[p+"self_attn.o_proj.weight"] = f.rand(c.Hidden, c.Heads*hd)
		out[p+"mlp.gate_proj.weight"] = f.rand(c.Intermediate, c.Hidden)
		out[p+"mlp.up_proj.weight"] = f.rand(c.Intermediate, c.Hidden)
		out[p+"mlp.down_proj.weight"] = f.rand(c.Hidden, c.Intermediate)
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func f32Bytes(data []float32) []byte {
	out := make([]byte, 0, len(data)*4)
	for _, v := range data {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// Files lists what a toy writer produced, relative to its directory.
type Files struct {
	Config  string
	Weights []string
}

func abs(dir string, names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out
}
