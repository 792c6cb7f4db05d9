package toy

import (
	"fmt"
	"os"
	"slices"

	"github.com/samcharles93/weave/internal/ggml"
	"github.com/samcharles93/weave/internal/gguf"
	"github.com/samcharles93/weave/internal/quant"
	"github.com/samcharles93/weave/internal/tensor"
)

// llamaCppNames maps Hugging Face decoder names onto a llama.cpp layout.
func llamaCppNames(c Config, gguf bool) map[string]string {
	m := map[string]string{}
	if gguf {
		m["model.embed_tokens.weight"] = "token_embd.weight"
		m["model.norm.weight"] = "output_norm.weight"
		m["lm_head.weight"] = "output.weight"
	} else {
		m["model.embed_tokens.weight"] = "tok_embeddings.weight"
		m["model.norm.weight"] = "norm.weight"
		m["lm_head.weight"] = "output.weight"
	}
	for i := range c.Layers {
		hf := fmt.Sprintf("model.layers.%d.", i)
		pairs := [][2]string{
			{"input_layernorm.weight", "attn_norm.weight"},
			{"post_attention_layernorm.weight", "ffn_norm.weight"},
			{"self_attn.q_proj.weight", "attn_q.weight"},
			{"self_attn.k_proj.weight", "attn_k.weight"},
			{"self_attn.v_proj.weight", "attn_v.weight"},
			{"self_attn.o_proj.weight", "attn_output.weight"},
			{"mlp.gate_proj.weight", "ffn_gate.weight"},
			{"mlp.up_proj.weight", "ffn_up.weight"},
			{"mlp.down_proj.weight", "ffn_down.weight"},
		}
		prefix := fmt.Sprintf("blk.%d.", i)
		if !gguf {
			pairs = [][2]string{
				{"input_layernorm.weight", "attention_norm.weight"},
				{"post_attention_layernorm.weight", "ffn_norm.weight"},
				{"self_attn.q_proj.weight", "attention.wq.weight"},
				{"self_attn.k_proj.weight", "attention.wk.weight"},
				{"self_attn.v_proj.weight", "attention.wv.weight"},
				{"self_attn.o_proj.weight", "attention.wo.weight"},
				{"mlp.gate_proj.weight", "feed_forward.w1.weight"},
				{"mlp.up_proj.weight", "feed_forward.w3.weight"},
				{"mlp.down_proj.weight", "feed_forward.w2.weight"},
			}
			prefix = fmt.Sprintf("layers.%d.", i)
		}
		for _, p := range pairs {
			m[hf+p[0]] = prefix + p[1]
		}
	}
	return m
}

// innermostFirst reverses a row-major shape into llama.cpp dim order.
func innermostFirst(shape []int) []int {
	out := slices.Clone(shape)
	slices.Reverse(out)
	return out
}

func sortedNames(ts map[string]*tensor.Tensor) []string {
	names := make([]string, 0, len(ts))
	for n := range ts {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// WriteGGUF writes an F32 GGUF v3 file with llama metadata.
func WriteGGUF(path string, c Config) error {
	hf := c.TextTensors("model.")
	rename := llamaCppNames(c, true)
	var tensors []gguf.WriteTensor
	for _, name := range sortedNames(hf) {
		t := hf[name]
		dims := innermostFirst(t.Shape)
		u := make([]uint64, len(dims))
		for i, d := range dims {
			u[i] = uint64(d)
		}
		tensors = append(tensors, gguf.WriteTensor{Name: rename[name], Dims: u, Type: quant.TypeF32, Data: f32Bytes(t.Data)})
	}
	tokens, merges, types := c.Tokens()
	kvs := []gguf.KV{
		{Key: "general.architecture", Value: "llama"},
		{Key: "llama.context_length", Value: uint32(256)},
		{Key: "llama.embedding_length", Value: uint32(c.Hidden)},
		{Key: "llama.feed_forward_length", Value: uint32(c.Intermediate)},
		{Key: "llama.block_count", Value: uint32(c.Layers)},
		{Key: "llama.attention.head_count", Value: uint32(c.Heads)},
		{Key: "llama.attention.head_count_kv", Value: uint32(c.KVHeads)},
		{Key: "llama.attention.layer_norm_rms_epsilon", Value: float32(1e-6)},
		{Key: "llama.rope.freq_base", Value: float32(10000)},
		{Key: "tokenizer.ggml.model", Value: "gpt2"},
		{Key: "tokenizer.ggml.tokens", Value: tokens},
		{Key: "tokenizer.ggml.token_type", Value: types},
		{Key: "tokenizer.ggml.merges", Value: merges},
		{Key: "tokenizer.ggml.bos_token_id", Value: uint32(1)},
		{Key: "tokenizer.ggml.eos_token_id", Value: uint32(2)},
		{Key: "tokenizer.ggml.unknown_token_id", Value: uint32(0)},
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gguf.Write(f, kvs, tensors); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteGGML writes an F32 legacy container. The key/value head count is
// Heads/gqa, so c.KVHeads must divide c.Heads.
func WriteGGML(path string, c Config, magic ggml.Magic, version uint32) error {
	hf := c.TextTensors("model.")
	rename := llamaCppNames(c, false)
	var tensors []ggml.WriteTensor
	for _, name := range sortedNames(hf) {
		t := hf[name]
		tensors = append(tensors, ggml.WriteTensor{Name: rename[name], Dims: innermostFirst(t.Shape), Type: quant.TypeF32, Data: f32Bytes(t.Data)})
	}
	tokens, _, _ := c.Tokens()
	vocab := make([]ggml.VocabEntry, len(tokens))
	for i, s := range tokens {
		vocab[i] = ggml.VocabEntry{Token: []byte(s), Score: float32(-i)}
	}
	hp := ggml.HParams{
		NVocab: uint32(c.Vocab),
		NEmbd:  uint32(c.Hidden),
		NMult:  256,
		NHead:  uint32(c.Heads),
		NLayer: uint32(c.Layers),
		NRot:   uint32(c.HeadDim()),
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ggml.Write(f, magic, version, hp, vocab, tensors); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// GQA is the grouping factor a legacy loader needs for c.
func (c Config) GQA() int { return c.Heads / c.KVHeads }
