// Package vision implements an Idefics2-style image encoder, the connector
// that maps its output into the text embedding space, and the merge of image
// features into a token embedding sequence.
package vision

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weave/internal/model"
)

// VisionConfig describes the image tower.
//
// Defaults:
//
//	hidden_size          768
//	intermediate_size    3072
//	num_hidden_layers    12
//	num_attention_heads  12
//	num_channels         3
//	image_size           224
//	patch_size           32
//	hidden_act           gelu_pytorch_tanh
//	layer_norm_eps       1e-6
type VisionConfig struct {
	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumChannels       int     `json:"num_channels"`
	ImageSize         int     `json:"image_size"`
	PatchSize         int     `json:"patch_size"`
	HiddenAct         string  `json:"hidden_act"`
	LayerNormEps      float64 `json:"layer_norm_eps"`
}

func DefaultVisionConfig() VisionConfig {
	return VisionConfig{
		HiddenSize:        768,
		IntermediateSize:  3072,
		NumHiddenLayers:   12,
		NumAttentionHeads: 12,
		NumChannels:       3,
		ImageSize:         224,
		PatchSize:         32,
		HiddenAct:         "gelu_pytorch_tanh",
		LayerNormEps:      1e-6,
	}
}

// PatchesPerSide is the side of the square position-embedding grid.
func (c VisionConfig) PatchesPerSide() int { return c.ImageSize / c.PatchSize }

func (c VisionConfig) HeadDim() int { return c.HiddenSize / c.NumAttentionHeads }

func (c VisionConfig) Validate() error {
	switch {
	case c.HiddenSize <= 0 || c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("vision_config: hidden_size %d must be a positive multiple of num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	case c.PatchSize <= 0 || c.ImageSize < c.PatchSize:
		return fmt.Errorf("vision_config: patch_size %d must be in (0, image_size %d]", c.PatchSize, c.ImageSize)
	case c.NumChannels <= 0 || c.NumHiddenLayers < 0 || c.IntermediateSize <= 0:
		return fmt.Errorf("vision_config: invalid dimensions")
	}
	return nil
}

// PerceiverConfig describes the resampler.
//
// Defaults:
//
//	hidden_act            silu
//	resampler_n_latents   64
//	resampler_depth       3
//	resampler_n_heads     16
//	resampler_head_dim    96
//	num_key_value_heads   4
type PerceiverConfig struct {
	HiddenAct        string `json:"hidden_act"`
	NLatents         int    `json:"resampler_n_latents"`
	Depth            int    `json:"resampler_depth"`
	NHeads           int    `json:"resampler_n_heads"`
	HeadDim          int    `json:"resampler_head_dim"`
	NumKeyValueHeads int    `json:"num_key_value_heads"`
}

func DefaultPerceiverConfig() PerceiverConfig {
	return PerceiverConfig{
		HiddenAct:        "silu",
		NLatents:         64,
		Depth:            3,
		NHeads:           16,
		HeadDim:          96,
		NumKeyValueHeads: 4,
	}
}

func (c PerceiverConfig) Validate() error {
	switch {
	case c.NLatents <= 0:
		return fmt.Errorf("perceiver_config: resampler_n_latents must be > 0")
	case c.NHeads <= 0 || c.HeadDim <= 0:
		return fmt.Errorf("perceiver_config: resampler_n_heads and resampler_head_dim must be > 0")
	case c.NumKeyValueHeads <= 0 || c.NHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("perceiver_config: resampler_n_heads %d is not a multiple of num_key_value_heads %d", c.NHeads, c.NumKeyValueHeads)
	}
	return nil
}

// Config is the top-level Idefics2 config.json.
type Config struct {
	Vision            VisionConfig     `json:"vision_config"`
	Perceiver         PerceiverConfig  `json:"perceiver_config"`
	Text              model.TextConfig `json:"-"`
	ImageTokenID      int              `json:"image_token_id"`
	TieWordEmbeddings bool             `json:"tie_word_embeddings"`
}

// ParseConfig decodes a config.json, applying the default tables before
// decoding and validating every sub-config.
func ParseConfig(raw []byte) (Config, error) {
	cfg := Config{
		Vision:       DefaultVisionConfig(),
		Perceiver:    DefaultPerceiverConfig(),
		ImageTokenID: 32001,
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	text, err := model.ParseTextConfig(raw)
	if err != nil {
		return cfg, err
	}
	cfg.Text = text
	if err := cfg.Vision.Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Perceiver.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
