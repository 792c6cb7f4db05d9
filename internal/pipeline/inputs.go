package pipeline

import (
	"fmt"

	"github.com/samcharles93/weave/internal/model"
)

// stepInputs is what one forward call hands the backbone. full is the
// whole-history input adapter models score with, nil otherwise.
type stepInputs struct {
	in   model.Input
	full *model.Input
}

func tokensOf(seqs []Sequence) ([][]int, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	out := make([][]int, len(seqs))
	for i, s := range seqs {
		out[i] = s.Tokens()
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("sequence %d has no tokens", i)
		}
	}
	return out, nil
}

// promptInput is the whole of every sequence at offset 0, right-padded with
// token 0 to the longest one.
func promptInput(toks [][]int) model.Input {
	seqLen := 0
	for _, t := range toks {
		seqLen = max(seqLen, len(t))
	}
	in := model.Input{
		IDs:     make([]int, len(toks)*seqLen),
		Batch:   len(toks),
		SeqLen:  seqLen,
		Lens:    make([]int, len(toks)),
		Offsets: make([]int, len(toks)),
		Prompt:  true,
	}
	for b, t := range toks {
		copy(in.IDs[b*seqLen:], t)
		in.Lens[b] = len(t)
	}
	return in
}

// completionInput is the last token of every sequence at its own position.
// With the cache disabled there is nothing to extend, so it is the whole
// history from offset 0 instead.
func completionInput(toks [][]int, noCache bool) model.Input {
	if noCache {
		in := promptInput(toks)
		in.Prompt = false
		return in
	}
	in := model.Input{
		IDs:     make([]int, len(toks)),
		Batch:   len(toks),
		SeqLen:  1,
		Lens:    make([]int, len(toks)),
		Offsets: make([]int, len(toks)),
	}
	for b, t := range toks {
		in.IDs[b] = t[len(t)-1]
		in.Lens[b] = 1
		in.Offsets[b] = len(t) - 1
	}
	return in
}

// shapeInputs builds the step input for one of four cases: adapter or not,
// prompt or continuation.
func shapeInputs(seqs []Sequence, isPrompt, adapter, noCache bool) (stepInputs, error) {
	toks, err := tokensOf(seqs)
	if err != nil {
		return stepInputs{}, err
	}
	switch {
	case adapter && !isPrompt:
		full := promptInput(toks)
		full.Prompt = false
		return stepInputs{in: completionInput(toks, noCache), full: &full}, nil
	case adapter:
		in := promptInput(toks)
		return stepInputs{in: in, full: &in}, nil
	case isPrompt:
		return stepInputs{in: promptInput(toks)}, nil
	default:
		return stepInputs{in: completionInput(toks, noCache)}, nil
	}
}
