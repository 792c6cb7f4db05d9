package vision

import (
	"fmt"

	"github.com/samcharles93/weave/internal/tensor"
)

// MergeInputs returns a copy of embeds (batch, seq, hidden) in which every
// position whose id equals imageTokenID is replaced, in order, by the next row
// of the flattened image features (..., hidden). The number of image tokens
// must equal the number of feature rows.
func MergeInputs(ids []int, embeds, features *tensor.Tensor, imageTokenID int) (*tensor.Tensor, error) {
	if embeds.Rank() != 3 || len(ids) != embeds.Shape[0]*embeds.Shape[1] {
		return nil, fmt.Errorf("merge: %d ids for embeddings %v: %w", len(ids), embeds.Shape, tensor.ErrShape)
	}
	hidden := embeds.Shape[2]
	out := embeds.Clone()
	rows := 0
	if features != nil {
		if features.Dim(-1) != hidden {
			return nil, fmt.Errorf("merge: features %v for hidden %d: %w", features.Shape, hidden, tensor.ErrShape)
		}
		rows = features.Rows()
	}
	next := 0
	for i, id := range ids {
		if id != imageTokenID {
			continue
		}
		if next >= rows {
			return nil, fmt.Errorf("merge: more image tokens than the %d image feature rows", rows)
		}
		copy(out.Row(i), features.Row(next))
		next++
	}
	if next != rows {
		return nil, fmt.Errorf("merge: %d image tokens for %d image feature rows", next, rows)
	}
	return out, nil
}
