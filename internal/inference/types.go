// Package inference runs generation loops on top of a loaded pipeline.
package inference

import (
	"context"
	"time"

	"github.com/samcharles93/weave/internal/logits"
	"github.com/samcharles93/weave/internal/vision"
)

type StreamFunc func(text string)

type Engine interface {
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	Close() error
}

// Request is one generation. Tokens, when set, are used instead of encoding
// Prompt.
type Request struct {
	Prompt string
	Tokens []int
	Images *vision.Images

	Steps int
	Seed  int64

	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int
	TopLogprobs   int

	EchoPrompt bool
}

// StopReason says why a generation ended.
type StopReason string

const (
	StopToken  StopReason = "stop"
	StopLength StopReason = "length"
	StopCancel StopReason = "cancel"
)

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	PromptDuration  time.Duration
	Duration        time.Duration
	TPS             float64
	Reason          StopReason
}

type Result struct {
	Text     string
	Tokens   []int
	Logprobs []logits.Logprobs
	Stats    Stats
}
