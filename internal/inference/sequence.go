package inference

import (
	"github.com/samcharles93/weave/internal/logits"
	"github.com/samcharles93/weave/internal/pipeline"
	"github.com/samcharles93/weave/internal/vision"
)

// Sequence is the state of one generation: prompt plus generated tokens and
// the sampler that picks the next one.
type Sequence struct {
	tokens    []int
	promptLen int
	sampler   pipeline.SamplingState
	images    *vision.Images
	logprobs  []logits.Logprobs
}

func NewSequence(prompt []int, sampler pipeline.SamplingState, images *vision.Images) *Sequence {
	return &Sequence{
		tokens:    append([]int(nil), prompt...),
		promptLen: len(prompt),
		sampler:   sampler,
		images:    images,
	}
}

func (s *Sequence) Tokens() []int                         { return s.tokens }
func (s *Sequence) SamplingState() pipeline.SamplingState { return s.sampler }
func (s *Sequence) Images() *vision.Images                { return s.images }

// Generated is the tokens appended after the prompt.
func (s *Sequence) Generated() []int { return s.tokens[s.promptLen:] }

func (s *Sequence) Logprobs() []logits.Logprobs { return s.logprobs }

func (s *Sequence) append(lp logits.Logprobs) {
	s.tokens = append(s.tokens, lp.Token)
	s.logprobs = append(s.logprobs, lp)
}
