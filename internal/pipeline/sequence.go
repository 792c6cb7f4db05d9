package pipeline

import (
	"github.com/samcharles93/weave/internal/logits"
	"github.com/samcharles93/weave/internal/vision"
)

// SamplingState picks the next token from one row of logits. context is the
// tail of the sequence the repeat penalty looks at.
type SamplingState interface {
	Sample(logits []float32, context []int) (logits.Logprobs, error)
}

// Sequence is one request being decoded. The pipeline reads its tokens and
// never mutates them.
type Sequence interface {
	Tokens() []int
	SamplingState() SamplingState
}

// ImageSequence is a Sequence that carries preprocessed images. Their
// features replace the sequence's image tokens on the prompt pass.
type ImageSequence interface {
	Sequence
	Images() *vision.Images
}
