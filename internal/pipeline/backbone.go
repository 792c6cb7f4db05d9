package pipeline

import (
	"fmt"

	"github.com/samcharles93/weave/internal/kvcache"
	"github.com/samcharles93/weave/internal/model"
	"github.com/samcharles93/weave/internal/tensor"
	"github.com/samcharles93/weave/internal/vision"
)

// backbone is the model variant chosen at load time. Each implementation
// wraps exactly one runtime model.
type backbone interface {
	forward(step stepInputs, img *vision.Images) (*tensor.Tensor, error)
	NumLayers() int
	MaxSeqLen() int
	ResetCache()
	cache() *kvcache.Cache
}

// textBackbone is a dense or quantized decoder.
type textBackbone struct{ m *model.Transformer }

func (b textBackbone) forward(step stepInputs, img *vision.Images) (*tensor.Tensor, error) {
	if img != nil {
		return nil, fmt.Errorf("text model cannot take images")
	}
	return b.m.Forward(step.in)
}

func (b textBackbone) NumLayers() int        { return b.m.NumLayers() }
func (b textBackbone) MaxSeqLen() int        { return b.m.MaxSeqLen() }
func (b textBackbone) ResetCache()           { b.m.ResetCache() }
func (b textBackbone) cache() *kvcache.Cache { return b.m.Cache() }

// xloraBackbone is a dense or quantized decoder with an adapter mixture.
type xloraBackbone struct{ m *model.XLora }

func (b xloraBackbone) forward(step stepInputs, img *vision.Images) (*tensor.Tensor, error) {
	if img != nil {
		return nil, fmt.Errorf("x-lora model cannot take images")
	}
	return b.m.Forward(step.in, step.full)
}

func (b xloraBackbone) NumLayers() int        { return b.m.NumLayers() }
func (b xloraBackbone) MaxSeqLen() int        { return b.m.MaxSeqLen() }
func (b xloraBackbone) ResetCache()           { b.m.ResetCache() }
func (b xloraBackbone) cache() *kvcache.Cache { return b.m.Base.Cache() }

// visionBackbone is the Idefics2 composite. A prompt pass, and every pass
// with the cache disabled, starts from an empty cache so the image features
// are merged again.
type visionBackbone struct {
	m       *vision.Model
	noCache bool
}

func (b visionBackbone) forward(step stepInputs, img *vision.Images) (*tensor.Tensor, error) {
	if step.in.Prompt || b.noCache {
		b.m.ResetCache()
	}
	return b.m.Forward(step.in, img)
}

func (b visionBackbone) NumLayers() int        { return b.m.NumLayers() }
func (b visionBackbone) MaxSeqLen() int        { return b.m.MaxSeqLen() }
func (b visionBackbone) ResetCache()           { b.m.ResetCache() }
func (b visionBackbone) cache() *kvcache.Cache { return b.m.Text.Cache() }

// batchImages joins the images of every sequence in batch order. Sequences
// without images contribute nothing.
func batchImages(seqs []Sequence) (*vision.Images, error) {
	var parts []*vision.Images
	for _, s := range seqs {
		is, ok := s.(ImageSequence)
		if !ok {
			continue
		}
		if img := is.Images(); img != nil && img.Pixels != nil {
			parts = append(parts, img)
		}
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	}
	pixels := make([]*tensor.Tensor, len(parts))
	masked := false
	for i, p := range parts {
		pixels[i] = p.Pixels
		masked = masked || p.Mask != nil
	}
	joined, err := tensor.Cat(0, pixels...)
	if err != nil {
		return nil, fmt.Errorf("join images: %w", err)
	}
	out := &vision.Images{Pixels: joined}
	if !masked {
		return out, nil
	}
	masks := make([]*tensor.Tensor, len(parts))
	for i, p := range parts {
		masks[i] = p.Mask
		if masks[i] == nil {
			s := p.Pixels.Shape
			masks[i] = tensor.Full(1, s[0], s[2], s[3])
		}
	}
	if out.Mask, err = tensor.Cat(0, masks...); err != nil {
		return nil, fmt.Errorf("join image masks: %w", err)
	}
	return out, nil
}
