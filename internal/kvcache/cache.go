// Package kvcache holds per-layer attention key/value state across forward calls.
package kvcache

import (
	"fmt"

	"github.com/samcharles93/weave/internal/tensor"
)

// Cache is an arena of per-layer (K, V) slots. Tensors are laid out
// (batch, kvHeads, seq, headDim) and grow along the seq axis.
//
// A Cache is not safe for concurrent use; the owning model serializes access.
type Cache struct {
	slots []slot
}

type slot struct {
	k, v *tensor.Tensor
}

// New returns a cache with layers empty slots.
func New(layers int) *Cache {
	return &Cache{slots: make([]slot, layers)}
}

func (c *Cache) Layers() int { return len(c.slots) }

// Update writes k and v into the slot for layer and returns the tensors attention
// should use. With replace set (prompt pass or caching disabled) the slot is
// overwritten; otherwise the new entries are appended after the existing ones.
func (c *Cache) Update(layer int, k, v *tensor.Tensor, replace bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if layer < 0 || layer >= len(c.slots) {
		return nil, nil, fmt.Errorf("kvcache: layer %d out of range [0,%d)", layer, len(c.slots))
	}
	if k.Rank() != 4 || !tensor.SameShape(k, v) {
		return nil, nil, fmt.Errorf("kvcache: layer %d: k %v v %v: %w", layer, k.Shape, v.Shape, tensor.ErrShape)
	}
	s := &c.slots[layer]
	if replace || s.k == nil {
		s.k, s.v = k, v
		return k, v, nil
	}
	nk, err := tensor.Cat(2, s.k, k)
	if err != nil {
		return nil, nil, fmt.Errorf("kvcache: layer %d append k: %w", layer, err)
	}
	nv, err := tensor.Cat(2, s.v, v)
	if err != nil {
		return nil, nil, fmt.Errorf("kvcache: layer %d append v: %w", layer, err)
	}
	s.k, s.v = nk, nv
	return nk, nv, nil
}

// Get returns the cached tensors for layer, or nils if the slot is empty.
func (c *Cache) Get(layer int) (k, v *tensor.Tensor) {
	s := c.slots[layer]
	return s.k, s.v
}

// SeqLen is the number of cached positions for layer.
func (c *Cache) SeqLen(layer int) int {
	if layer < 0 || layer >= len(c.slots) || c.slots[layer].k == nil {
		return 0
	}
	return c.slots[layer].k.Shape[2]
}

// PastLen is the cached sequence length of the first layer, the offset new
// tokens start at.
func (c *Cache) PastLen() int {
	return c.SeqLen(0)
}

// Empty reports whether no slot holds state.
func (c *Cache) Empty() bool {
	for _, s := range c.slots {
		if s.k != nil {
			return false
		}
	}
	return true
}

// Reset returns every slot to empty.
func (c *Cache) Reset() {
	for i := range c.slots {
		c.slots[i] = slot{}
	}
}
