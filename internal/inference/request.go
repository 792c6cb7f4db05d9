package inference

import (
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weave/internal/logits"
)

// RequestOptions are caller overrides; nil fields fall back to the model's
// generation defaults and then to built-in values.
type RequestOptions struct {
	Prompt string
	Tokens []int

	Steps *int
	Seed  *int64

	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int
	TopLogprobs   *int

	EchoPrompt *bool
}

// GenDefaults are the sampling values a model ships in generation_config.json.
type GenDefaults struct {
	Temperature       *float64 `json:"temperature"`
	TopK              *int     `json:"top_k"`
	TopP              *float64 `json:"top_p"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
}

// LoadGenDefaults reads generation_config.json. A missing file yields no
// defaults.
func LoadGenDefaults(path string) (GenDefaults, error) {
	if path == "" {
		return GenDefaults{}, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return GenDefaults{}, nil
	}
	if err != nil {
		return GenDefaults{}, err
	}
	var d GenDefaults
	if err := json.Unmarshal(raw, &d); err != nil {
		return GenDefaults{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	req := Request{
		Prompt:        opts.Prompt,
		Tokens:        opts.Tokens,
		Steps:         -1,
		Seed:          -1,
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.0,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
	}

	if defaults.Temperature != nil && *defaults.Temperature > 0 {
		req.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK > 0 {
		req.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.TopP = *defaults.TopP
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		req.RepeatPenalty = *defaults.RepetitionPenalty
	}

	set(&req.Steps, opts.Steps)
	set(&req.Seed, opts.Seed)
	set(&req.Temperature, opts.Temperature)
	set(&req.TopK, opts.TopK)
	set(&req.TopP, opts.TopP)
	set(&req.MinP, opts.MinP)
	set(&req.RepeatPenalty, opts.RepeatPenalty)
	set(&req.RepeatLastN, opts.RepeatLastN)
	set(&req.TopLogprobs, opts.TopLogprobs)
	set(&req.EchoPrompt, opts.EchoPrompt)
	return req
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// SamplerConfig maps the request onto a sampler. A negative seed draws a
// random one.
func (r *Request) SamplerConfig() logits.Config {
	seed := uint64(r.Seed)
	if r.Seed < 0 {
		seed = rand.Uint64()
	}
	return logits.Config{
		Seed:          seed,
		Temperature:   float32(r.Temperature),
		TopK:          r.TopK,
		TopP:          float32(r.TopP),
		MinP:          float32(r.MinP),
		RepeatPenalty: float32(r.RepeatPenalty),
		RepeatLastN:   r.RepeatLastN,
		TopLogprobs:   r.TopLogprobs,
	}
}
