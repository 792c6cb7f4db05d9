package kvcache

import (
	"fmt"
	"math"

	"github.com/samcharles93/weave/internal/tensor"
)

var negInf = float32(math.Inf(-1))

// CausalMask builds the additive (tq, past+tq) mask for tq new tokens following
// past cached positions. Query i sits at absolute position past+i and may see
// key j only when j <= past+i. A positive window additionally hides keys more
// than window-1 positions behind the query.
func CausalMask(tq, past, window int) *tensor.Tensor {
	tk := past + tq
	m := tensor.New(tq, tk)
	for i := range tq {
		pos := past + i
		row := m.Row(i)
		for j := range tk {
			if j > pos || (window > 0 && pos-j >= window) {
				row[j] = negInf
			}
		}
	}
	return m
}

// ExpandMask turns a (batch, src) keep-mask, nonzero for valid positions,
// into an additive (batch, tgt, src) mask with -Inf over masked positions.
func ExpandMask(mask *tensor.Tensor, tgt int) (*tensor.Tensor, error) {
	if mask.Rank() != 2 {
		return nil, fmt.Errorf("expand mask: %v: %w", mask.Shape, tensor.ErrShape)
	}
	batch, src := mask.Shape[0], mask.Shape[1]
	out := tensor.New(batch, tgt, src)
	for b := range batch {
		keep := mask.Row(b)
		for t := range tgt {
			row := out.Data[(b*tgt+t)*src:][:src]
			for s, k := range keep {
				if k == 0 {
					row[s] = negInf
				}
			}
		}
	}
	return out, nil
}
