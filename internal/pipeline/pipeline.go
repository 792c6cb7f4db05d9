// Package pipeline loads a model of any supported kind and drives its
// forward pass one decoding step at a time.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/weave/internal/backend"
	"github.com/samcharles93/weave/internal/logger"
	"github.com/samcharles93/weave/internal/logits"
	"github.com/samcharles93/weave/internal/tensor"
	"github.com/samcharles93/weave/internal/tokenizer"
)

// DefaultRepeatLastN is how many trailing tokens the sampler sees when the
// loader options leave it unset.
const DefaultRepeatLastN = 64

// Pipeline owns one loaded model. A single mutex serializes Forward, Sample
// and ResetCache, since every forward mutates the model's cache.
type Pipeline struct {
	mu sync.Mutex

	ID   string
	kind ModelKind
	arch string

	model        backbone
	tokenizer    tokenizer.Tokenizer
	chatTemplate ChatTemplate
	device       backend.Device
	dtype        tensor.DType
	noCache      bool
	repeatLastN  int
	log          logger.Logger
}

// Forward runs one step over seqs. isPrompt selects the prompt pass, which
// feeds every token and replaces the cache; otherwise only each sequence's
// newest token is fed. The result is (batch, 1, vocab) logits.
func (p *Pipeline) Forward(ctx context.Context, seqs []Sequence, isPrompt bool) (*tensor.Tensor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step, err := shapeInputs(seqs, isPrompt, p.kind.IsAdapter(), p.noCache)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForward, err)
	}
	img, err := batchImages(seqs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForward, err)
	}
	start := time.Now()
	out, err := p.model.forward(step, img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForward, err)
	}
	p.log.Debug("forward",
		"batch", step.in.Batch,
		"seq_len", step.in.SeqLen,
		"prompt", isPrompt,
		"images", img != nil,
		"cache_len", p.model.cache().PastLen(),
		"took", time.Since(start),
	)
	return out, nil
}

// Sample draws the next token of seq from its row of logits, shaped (1, 1,
// vocab) or (vocab). The sampler sees at most the last RepeatLastN tokens.
func (p *Pipeline) Sample(l *tensor.Tensor, seq Sequence) (logits.Logprobs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row := l
	for row.Rank() > 1 && row.Shape[0] == 1 {
		var err error
		if row, err = row.Squeeze(0); err != nil {
			return logits.Logprobs{}, err
		}
	}
	if row.Rank() != 1 {
		return logits.Logprobs{}, fmt.Errorf("sample: logits %v are not one row: %w", l.Shape, tensor.ErrShape)
	}
	toks := seq.Tokens()
	ctxt := toks[max(len(toks)-p.repeatLastN, 0):]
	return seq.SamplingState().Sample(row.Data, ctxt)
}

// Tokenize encodes text with the model's tokenizer.
func (p *Pipeline) Tokenize(text string) ([]int, error) {
	return p.tokenizer.Encode(text)
}

// Detokenize decodes ids with the model's tokenizer.
func (p *Pipeline) Detokenize(ids []int) (string, error) {
	return p.tokenizer.Decode(ids)
}

// ResetCache empties every KV slot so the next forward starts a new context.
func (p *Pipeline) ResetCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model.ResetCache()
}

// CacheLen is the number of positions the text cache currently holds.
func (p *Pipeline) CacheLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.cache().PastLen()
}

func (p *Pipeline) Kind() ModelKind                { return p.kind }
func (p *Pipeline) Arch() string                   { return p.arch }
func (p *Pipeline) Device() backend.Device         { return p.device }
func (p *Pipeline) DType() tensor.DType            { return p.dtype }
func (p *Pipeline) NumLayers() int                 { return p.model.NumLayers() }
func (p *Pipeline) MaxSeqLen() int                 { return p.model.MaxSeqLen() }
func (p *Pipeline) IsAdapterModel() bool           { return p.kind.IsAdapter() }
func (p *Pipeline) CacheDisabled() bool            { return p.noCache }
func (p *Pipeline) ChatTemplate() ChatTemplate     { return p.chatTemplate }
func (p *Pipeline) Tokenizer() tokenizer.Tokenizer { return p.tokenizer }

// ImageTokens returns the image placeholder id and how many placeholders
// one image expands to. Text models report (-1, 0).
func (p *Pipeline) ImageTokens() (id, perImage int) {
	if vb, ok := p.model.(visionBackbone); ok {
		return vb.m.Config.ImageTokenID, vb.m.Config.Perceiver.NLatents
	}
	return -1, 0
}
