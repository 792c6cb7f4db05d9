package inference

import (
	"context"
	"fmt"

	"github.com/samcharles93/weave/internal/logits"
	"github.com/samcharles93/weave/internal/pipeline"
)

// PipelineEngine serves requests one at a time from a loaded pipeline.
type PipelineEngine struct {
	p          *pipeline.Pipeline
	stopTokens []int
}

func NewEngine(p *pipeline.Pipeline) *PipelineEngine {
	e := &PipelineEngine{p: p}
	if v, ok := p.Tokenizer().(vocabulary); ok {
		e.stopTokens = BuildStopTokens(v)
	}
	return e
}

func (e *PipelineEngine) StopTokens() []int { return e.stopTokens }

// Close releases nothing; weights are owned by the garbage-collected model.
func (e *PipelineEngine) Close() error { return nil }

func (e *PipelineEngine) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := req.Tokens
	if len(ids) == 0 {
		var err error
		if ids, err = e.p.Tokenize(req.Prompt); err != nil {
			return nil, fmt.Errorf("encode prompt: %w", err)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	if req.EchoPrompt && stream != nil {
		if text, err := e.p.Detokenize(ids); err == nil {
			stream(text)
		}
	}

	seq := NewSequence(ids, logits.New(req.SamplerConfig()), req.Images)
	gen := &Generator{
		Model:      e.p,
		Tokenizer:  e.p.Tokenizer(),
		StopTokens: e.stopTokens,
		MaxSeqLen:  e.p.MaxSeqLen(),
	}
	stats, err := gen.Run(ctx, seq, req.Steps, stream)
	res := &Result{Tokens: seq.Generated(), Logprobs: seq.Logprobs(), Stats: stats}
	if text, derr := e.p.Detokenize(res.Tokens); derr == nil {
		res.Text = text
	}
	if err != nil {
		return res, err
	}
	return res, nil
}
