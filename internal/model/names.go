package model

import "fmt"

// layerNames maps a block index to the tensor names of that block.
type layerNames struct {
	attnNorm func(layer int) string
	ffnNorm  func(layer int) string

	wq func(layer int) string
	wk func(layer int) string
	wv func(layer int) string
	wo func(layer int) string

	ffnGate func(layer int) string
	ffnUp   func(layer int) string
	ffnDown func(layer int) string
}

// weightNames describes how a container names the decoder weights.
type weightNames struct {
	embedding        string
	outputNorm       string
	outputCandidates []string
	layer            layerNames
}

// hfNames covers Hugging Face checkpoints. base is the decoder prefix,
// "model." for plain causal LMs and "model.text_model." inside Idefics2.
func hfNames(base string) weightNames {
	l := func(format string) func(int) string {
		return func(layer int) string {
			return fmt.Sprintf(base+"layers.%d."+format, layer)
		}
	}
	return weightNames{
		embedding:  base + "embed_tokens.weight",
		outputNorm: base + "norm.weight",
		outputCandidates: []string{
			"lm_head.weight",
			base + "lm_head.weight",
			base + "embed_tokens.weight",
		},
		layer: layerNames{
			attnNorm: l("input_layernorm.weight"),
			ffnNorm:  l("post_attention_layernorm.weight"),
			wq:       l("self_attn.q_proj.weight"),
			wk:       l("self_attn.k_proj.weight"),
			wv:       l("self_attn.v_proj.weight"),
			wo:       l("self_attn.o_proj.weight"),
			ffnGate:  l("mlp.gate_proj.weight"),
			ffnUp:    l("mlp.up_proj.weight"),
			ffnDown:  l("mlp.down_proj.weight"),
		},
	}
}

func ggufNames() weightNames {
	l := func(format string) func(int) string {
		return func(layer int) string {
			return fmt.Sprintf("blk.%d."+format, layer)
		}
	}
	return weightNames{
		embedding:        "token_embd.weight",
		outputNorm:       "output_norm.weight",
		outputCandidates: []string{"output.weight", "token_embd.weight"},
		layer: layerNames{
			attnNorm: l("attn_norm.weight"),
			ffnNorm:  l("ffn_norm.weight"),
			wq:       l("attn_q.weight"),
			wk:       l("attn_k.weight"),
			wv:       l("attn_v.weight"),
			wo:       l("attn_output.weight"),
			ffnGate:  l("ffn_gate.weight"),
			ffnUp:    l("ffn_up.weight"),
			ffnDown:  l("ffn_down.weight"),
		},
	}
}

// ggmlNames covers the pre-GGUF llama.cpp layout, where the feed-forward
// projections are w1 (gate), w2 (down) and w3 (up).
func ggmlNames() weightNames {
	l := func(format string) func(int) string {
		return func(layer int) string {
			return fmt.Sprintf("layers.%d."+format, layer)
		}
	}
	return weightNames{
		embedding:        "tok_embeddings.weight",
		outputNorm:       "norm.weight",
		outputCandidates: []string{"output.weight", "tok_embeddings.weight"},
		layer: layerNames{
			attnNorm: l("attention_norm.weight"),
			ffnNorm:  l("ffn_norm.weight"),
			wq:       l("attention.wq.weight"),
			wk:       l("attention.wk.weight"),
			wv:       l("attention.wv.weight"),
			wo:       l("attention.wo.weight"),
			ffnGate:  l("feed_forward.w1.weight"),
			ffnUp:    l("feed_forward.w3.weight"),
			ffnDown:  l("feed_forward.w2.weight"),
		},
	}
}
