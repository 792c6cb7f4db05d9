package vision

import (
	"fmt"

	"github.com/samcharles93/weave/internal/model"
	"github.com/samcharles93/weave/internal/tensor"
)

// Images is a padded batch of preprocessed images.
type Images struct {
	// Pixels is (n, channels, H, W).
	Pixels *tensor.Tensor
	// Mask is (n, H, W), nonzero for real pixels, or nil when nothing is padded.
	Mask *tensor.Tensor
}

// Model is the Idefics2 composite: vision tower, connector and a Mistral
// text decoder.
type Model struct {
	Config    Config
	Tower     *Tower
	Connector *Connector
	Text      *model.Transformer
}

// Load binds all three sub-models from one dense source.
func Load(src model.WeightSource, cfg Config, opts model.Options) (*Model, error) {
	tower, err := LoadTower(src, "model.vision_model.", cfg.Vision)
	if err != nil {
		return nil, fmt.Errorf("vision_model: %w", err)
	}
	conn, err := LoadConnector(src, "model.connector.", cfg)
	if err != nil {
		return nil, fmt.Errorf("connector: %w", err)
	}
	opts.Prefix = "model.text_model."
	text, err := model.Load(cfg.Text, src, opts)
	if err != nil {
		return nil, fmt.Errorf("text_model: %w", err)
	}
	return &Model{Config: cfg, Tower: tower, Connector: conn, Text: text}, nil
}

func (m *Model) NumLayers() int { return m.Text.NumLayers() }
func (m *Model) MaxSeqLen() int { return m.Text.MaxSeqLen() }
func (m *Model) ResetCache()    { m.Text.ResetCache() }

// EncodeImages runs the tower and connector over the non-padding images,
// returning (n_real, n_latents, text_hidden) or nil when every image is blank.
func (m *Model) EncodeImages(img *Images) (*tensor.Tensor, error) {
	pixels, mask, err := dropBlankImages(img)
	if err != nil || pixels == nil {
		return nil, err
	}
	p := m.Config.Vision.PatchSize
	if pixels.Shape[2]%p != 0 || pixels.Shape[3]%p != 0 {
		return nil, fmt.Errorf("vision: image %dx%d is not a multiple of patch size %d", pixels.Shape[2], pixels.Shape[3], p)
	}
	if mask == nil {
		mask = tensor.Full(1, pixels.Shape[0], pixels.Shape[2], pixels.Shape[3])
	}
	patchMask, err := PatchMask(mask, p)
	if err != nil {
		return nil, err
	}
	hidden, err := m.Tower.Forward(pixels, patchMask)
	if err != nil {
		return nil, err
	}
	flat, err := patchMask.Reshape(patchMask.Shape[0], -1)
	if err != nil {
		return nil, err
	}
	return m.Connector.Forward(hidden, flat)
}

// Forward runs one decoding step. Image features are merged into the
// embeddings only while the text cache is empty; later steps reuse the
// fused cache.
func (m *Model) Forward(in model.Input, img *Images) (*tensor.Tensor, error) {
	embeds, err := m.Text.Embed(in)
	if err != nil {
		return nil, err
	}
	if img != nil && m.Text.Cache().PastLen() == 0 {
		features, err := m.EncodeImages(img)
		if err != nil {
			return nil, err
		}
		if embeds, err = MergeInputs(in.IDs, embeds, features, m.Config.ImageTokenID); err != nil {
			return nil, err
		}
	}
	return m.Text.ForwardEmbeds(embeds, in)
}

// dropBlankImages removes images whose pixels are all zero.
func dropBlankImages(img *Images) (*tensor.Tensor, *tensor.Tensor, error) {
	if img == nil || img.Pixels == nil {
		return nil, nil, nil
	}
	px := img.Pixels
	if px.Rank() != 4 {
		return nil, nil, fmt.Errorf("vision: pixels %v: %w", px.Shape, tensor.ErrShape)
	}
	n, h, w := px.Shape[0], px.Shape[2], px.Shape[3]
	if img.Mask != nil && (img.Mask.Rank() != 3 || img.Mask.Shape[0] != n || img.Mask.Shape[1] != h || img.Mask.Shape[2] != w) {
		return nil, nil, fmt.Errorf("vision: pixel mask %v for pixels %v: %w", img.Mask.Shape, px.Shape, tensor.ErrShape)
	}
	per := len(px.Data) / max(n, 1)
	var keepPx, keepMask []*tensor.Tensor
	for i := range n {
		blank := true
		for _, v := range px.Data[i*per : (i+1)*per] {
			if v != 0 {
				blank = false
				break
			}
		}
		if blank {
			continue
		}
		one, err := px.Narrow(0, i, 1)
		if err != nil {
			return nil, nil, err
		}
		keepPx = append(keepPx, one)
		if img.Mask != nil {
			m, err := img.Mask.Narrow(0, i, 1)
			if err != nil {
				return nil, nil, err
			}
			keepMask = append(keepMask, m)
		}
	}
	if len(keepPx) == 0 {
		return nil, nil, nil
	}
	pixels, err := tensor.Cat(0, keepPx...)
	if err != nil {
		return nil, nil, err
	}
	var mask *tensor.Tensor
	if keepMask != nil {
		if mask, err = tensor.Cat(0, keepMask...); err != nil {
			return nil, nil, err
		}
	}
	return pixels, mask, nil
}
