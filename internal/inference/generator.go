package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samcharles93/weave/internal/logits"
	"github.com/samcharles93/weave/internal/pipeline"
	"github.com/samcharles93/weave/internal/tensor"
)

// Stepper is the part of a pipeline the generation loop drives.
type Stepper interface {
	Forward(ctx context.Context, seqs []pipeline.Sequence, isPrompt bool) (*tensor.Tensor, error)
	Sample(l *tensor.Tensor, seq pipeline.Sequence) (logits.Logprobs, error)
}

// Generator runs the prompt pass and then one continuation step per token.
type Generator struct {
	Model     Stepper
	Tokenizer interface {
		Decode([]int) (string, error)
	}
	StopTokens []int
	// MaxSeqLen bounds prompt plus generated tokens when steps is negative.
	MaxSeqLen int
}

// Run generates up to steps tokens into seq, or until a stop token when
// steps is negative. stream receives decoded text as it becomes valid UTF-8.
// Cancelling ctx ends the loop between steps with ctx's error.
func (g *Generator) Run(ctx context.Context, seq *Sequence, steps int, stream StreamFunc) (Stats, error) {
	stats := Stats{PromptTokens: len(seq.Tokens())}
	limit := steps
	if limit < 0 {
		limit = 1 << 20
		if g.MaxSeqLen > 0 {
			limit = max(g.MaxSeqLen-len(seq.Tokens()), 0)
		}
	}

	start := time.Now()
	l, err := safeForward(ctx, g.Model, seq, true)
	if err != nil {
		return stats, fmt.Errorf("prompt: %w", err)
	}
	stats.PromptDuration = time.Since(start)

	var emitted strings.Builder
	genStart := time.Now()
	stats.Reason = StopLength
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			stats.Reason = StopCancel
			g.finish(&stats, genStart)
			return stats, err
		}
		lp, err := safeSample(g.Model, l, seq)
		if err != nil {
			return stats, fmt.Errorf("sample step %d: %w", i, err)
		}
		if slices.Contains(g.StopTokens, lp.Token) {
			stats.Reason = StopToken
			break
		}
		seq.append(lp)
		stats.TokensGenerated++
		if stream != nil && g.Tokenizer != nil {
			if err := g.stream(seq, &emitted, stream); err != nil {
				return stats, err
			}
		}
		if i == limit-1 {
			break
		}
		if l, err = safeForward(ctx, g.Model, seq, false); err != nil {
			return stats, fmt.Errorf("step %d: %w", i, err)
		}
	}
	g.finish(&stats, genStart)
	return stats, nil
}

func (g *Generator) finish(stats *Stats, start time.Time) {
	stats.Duration = time.Since(start)
	if stats.Duration.Seconds() > 0 {
		stats.TPS = float64(stats.TokensGenerated) / stats.Duration.Seconds()
	}
}

// stream emits the text decoded since the last call. Output is held back
// while it ends in a partial UTF-8 sequence.
func (g *Generator) stream(seq *Sequence, emitted *strings.Builder, fn StreamFunc) error {
	text, err := g.Tokenizer.Decode(seq.Generated())
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if !utf8.ValidString(text) || len(text) <= emitted.Len() || !strings.HasPrefix(text, emitted.String()) {
		return nil
	}
	delta := text[emitted.Len():]
	emitted.WriteString(delta)
	fn(delta)
	return nil
}

func safeForward(ctx context.Context, m Stepper, seq *Sequence, prompt bool) (l *tensor.Tensor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	l, err = m.Forward(ctx, []pipeline.Sequence{seq}, prompt)
	if err == nil && l == nil {
		err = errors.New("forward returned no logits")
	}
	return l, err
}

func safeSample(m Stepper, l *tensor.Tensor, seq *Sequence) (lp logits.Logprobs, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	return m.Sample(l, seq)
}
