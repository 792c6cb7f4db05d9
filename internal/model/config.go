package model

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weave/internal/ggml"
	"github.com/samcharles93/weave/internal/gguf"
)

// TextConfig holds the hyperparameters of a Mistral/Llama-style decoder.
//
// Defaults (applied before decoding, so absent keys keep them):
//
//	vocab_size               32000
//	hidden_size              4096
//	intermediate_size        14336
//	num_hidden_layers        32
//	num_attention_heads      32
//	num_key_value_heads      8
//	hidden_act               silu
//	max_position_embeddings  131072 (4096*32)
//	rms_norm_eps             1e-6
//	rope_theta               10000
//	sliding_window           4096
type TextConfig struct {
	ModelType             string  `json:"model_type"`
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumKeyValueHeads      int     `json:"num_key_value_heads"`
	HeadDimOverride       int     `json:"head_dim"`
	HiddenAct             string  `json:"hidden_act"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	RMSNormEps            float64 `json:"rms_norm_eps"`
	RopeTheta             float64 `json:"rope_theta"`
	SlidingWindow         int     `json:"sliding_window"`
	TieWordEmbeddings     bool    `json:"tie_word_embeddings"`
}

func DefaultTextConfig() TextConfig {
	return TextConfig{
		VocabSize:             32000,
		HiddenSize:            4096,
		IntermediateSize:      14336,
		NumHiddenLayers:       32,
		NumAttentionHeads:     32,
		NumKeyValueHeads:      8,
		HiddenAct:             "silu",
		MaxPositionEmbeddings: 4096 * 32,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
		SlidingWindow:         4096,
	}
}

// ParseTextConfig decodes a config.json. Keys under a nested text_config
// object fill in anything the top level leaves unset; top-level keys win.
func ParseTextConfig(raw []byte) (TextConfig, error) {
	cfg := DefaultTextConfig()
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if text, ok := top["text_config"]; ok && len(text) > 0 && string(text) != "null" {
		if err := json.Unmarshal(text, &cfg); err != nil {
			return cfg, fmt.Errorf("parse text_config: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the invariants the forward pass relies on.
func (c *TextConfig) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be > 0")
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be > 0")
	case c.IntermediateSize <= 0:
		return fmt.Errorf("intermediate_size must be > 0")
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("num_hidden_layers must be > 0")
	case c.NumAttentionHeads <= 0:
		return fmt.Errorf("num_attention_heads must be > 0")
	case c.RMSNormEps <= 0:
		return fmt.Errorf("rms_norm_eps must be > 0")
	}
	if c.NumKeyValueHeads <= 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("num_attention_heads %d is not a multiple of num_key_value_heads %d", c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.HeadDimOverride <= 0 && c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("hidden_size %d must be divisible by num_attention_heads %d when head_dim is unset", c.HiddenSize, c.NumAttentionHeads)
	}
	if c.HeadDim()%2 != 0 {
		return fmt.Errorf("head_dim %d must be even for rotary embeddings", c.HeadDim())
	}
	if c.HiddenAct == "" {
		c.HiddenAct = "silu"
	}
	return nil
}

func (c TextConfig) HeadDim() int {
	if c.HeadDimOverride > 0 {
		return c.HeadDimOverride
	}
	return c.HiddenSize / c.NumAttentionHeads
}

// TextConfigFromGGUF reads the <arch>.* metadata keys of a GGUF file.
func TextConfigFromGGUF(f *gguf.File) (TextConfig, error) {
	cfg := DefaultTextConfig()
	arch := f.Architecture()
	cfg.ModelType = arch
	cfg.SlidingWindow = 0

	required := []struct {
		key string
		dst *int
	}{
		{arch + ".embedding_length", &cfg.HiddenSize},
		{arch + ".feed_forward_length", &cfg.IntermediateSize},
		{arch + ".block_count", &cfg.NumHiddenLayers},
		{arch + ".attention.head_count", &cfg.NumAttentionHeads},
	}
	for _, r := range required {
		v, ok := f.KV.Int(r.key)
		if !ok {
			return cfg, fmt.Errorf("gguf: missing %s", r.key)
		}
		*r.dst = v
	}
	cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	if v, ok := f.KV.Int(arch + ".attention.head_count_kv"); ok {
		cfg.NumKeyValueHeads = v
	}
	if v, ok := f.KV.Int(arch + ".context_length"); ok {
		cfg.MaxPositionEmbeddings = v
	}
	if v, ok := f.KV.Float(arch + ".attention.layer_norm_rms_epsilon"); ok {
		cfg.RMSNormEps = v
	}
	if v, ok := f.KV.Float(arch + ".rope.freq_base"); ok {
		cfg.RopeTheta = v
	}
	if v, ok := f.KV.Int(arch + ".vocab_size"); ok {
		cfg.VocabSize = v
	} else if toks, ok := gguf.Array[string](f.KV, "tokenizer.ggml.tokens"); ok {
		cfg.VocabSize = len(toks)
	} else if info, ok := f.TensorByName(ggufNames().embedding); ok && len(info.Dims) == 2 {
		cfg.VocabSize = int(info.Dims[1])
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("gguf: %w", err)
	}
	return cfg, nil
}

// TextConfigFromGGML maps the fixed hparams block of a legacy file. The
// feed-forward width is not recorded there and is read from the first
// layer's gate tensor; gqa divides the head count to give the key/value heads.
func TextConfigFromGGML(f *ggml.File, gqa int) (TextConfig, error) {
	if gqa <= 0 {
		gqa = 1
	}
	hp := f.HParams
	cfg := DefaultTextConfig()
	cfg.ModelType = "llama"
	cfg.SlidingWindow = 0
	cfg.VocabSize = int(hp.NVocab)
	cfg.HiddenSize = int(hp.NEmbd)
	cfg.NumHiddenLayers = int(hp.NLayer)
	cfg.NumAttentionHeads = int(hp.NHead)
	if int(hp.NHead)%gqa != 0 {
		return cfg, fmt.Errorf("ggml: n_head %d not divisible by gqa %d", hp.NHead, gqa)
	}
	cfg.NumKeyValueHeads = int(hp.NHead) / gqa
	cfg.MaxPositionEmbeddings = QuantizedMaxSeqLen

	gate := ggmlNames().layer.ffnGate(0)
	info, ok := f.TensorByName(gate)
	if !ok || len(info.Dims) != 2 {
		return cfg, fmt.Errorf("ggml: cannot infer feed-forward width from %s", gate)
	}
	cfg.IntermediateSize = info.Dims[1]
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("ggml: %w", err)
	}
	return cfg, nil
}
