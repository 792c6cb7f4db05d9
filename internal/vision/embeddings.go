package vision

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/weave/internal/model"
	"github.com/samcharles93/weave/internal/nn"
	"github.com/samcharles93/weave/internal/tensor"
)

// Embeddings turns pixels into patch embeddings plus learned positions.
type Embeddings struct {
	patch    *nn.Dense // conv kernel flattened to (hidden, channels*patch*patch)
	position *nn.Embedding
	cfg      VisionConfig
}

func loadEmbeddings(src model.WeightSource, prefix string, cfg VisionConfig) (*Embeddings, error) {
	w, err := src.Tensor(prefix + "patch_embedding.weight")
	if err != nil {
		return nil, err
	}
	p := cfg.PatchSize
	if w.Rank() != 4 || w.Shape[0] != cfg.HiddenSize || w.Shape[1] != cfg.NumChannels || w.Shape[2] != p || w.Shape[3] != p {
		return nil, fmt.Errorf("%spatch_embedding.weight: shape %v, want [%d %d %d %d]", prefix, w.Shape, cfg.HiddenSize, cfg.NumChannels, p, p)
	}
	flat, err := w.Reshape(cfg.HiddenSize, cfg.NumChannels*p*p)
	if err != nil {
		return nil, err
	}
	var bias []float32
	if name := prefix + "patch_embedding.bias"; src.Has(name) {
		bt, err := src.Tensor(name)
		if err != nil {
			return nil, err
		}
		bias = bt.Data
	}
	patch, err := nn.NewDense(flat, bias)
	if err != nil {
		return nil, fmt.Errorf("%spatch_embedding: %w", prefix, err)
	}
	pos, err := src.Tensor(prefix + "position_embedding.weight")
	if err != nil {
		return nil, err
	}
	side := cfg.PatchesPerSide()
	if pos.Rank() != 2 || pos.Shape[0] != side*side || pos.Shape[1] != cfg.HiddenSize {
		return nil, fmt.Errorf("%sposition_embedding.weight: shape %v, want [%d %d]", prefix, pos.Shape, side*side, cfg.HiddenSize)
	}
	return &Embeddings{patch: patch, position: &nn.Embedding{Weight: pos}, cfg: cfg}, nil
}

// Forward embeds pixels (n, channels, H, W) given the patch mask
// (n, H/patch, W/patch), returning (n, patches, hidden).
func (e *Embeddings) Forward(pixels, patchMask *tensor.Tensor) (*tensor.Tensor, error) {
	if pixels.Rank() != 4 || pixels.Shape[1] != e.cfg.NumChannels {
		return nil, fmt.Errorf("vision embeddings: pixels %v: %w", pixels.Shape, tensor.ErrShape)
	}
	n, h, w := pixels.Shape[0], pixels.Shape[2], pixels.Shape[3]
	p := e.cfg.PatchSize
	rows, cols := h/p, w/p
	if patchMask.Rank() != 3 || patchMask.Shape[0] != n || patchMask.Shape[1] != rows || patchMask.Shape[2] != cols {
		return nil, fmt.Errorf("vision embeddings: patch mask %v for pixels %v: %w", patchMask.Shape, pixels.Shape, tensor.ErrShape)
	}
	patches := unfoldPatches(pixels, p)
	x, err := e.patch.Forward(patches)
	if err != nil {
		return nil, fmt.Errorf("patch_embedding: %w", err)
	}
	ids, err := PositionIDs(patchMask, e.cfg.PatchesPerSide())
	if err != nil {
		return nil, err
	}
	pos, err := e.position.Lookup(ids, n, rows*cols)
	if err != nil {
		return nil, fmt.Errorf("position_embedding: %w", err)
	}
	tensor.Add(x.Data, pos.Data)
	return x, nil
}

// unfoldPatches lays out each non-overlapping patch as one row in
// (channel, y, x) order, matching a strided convolution kernel.
func unfoldPatches(pixels *tensor.Tensor, p int) *tensor.Tensor {
	n, c, h, w := pixels.Shape[0], pixels.Shape[1], pixels.Shape[2], pixels.Shape[3]
	rows, cols := h/p, w/p
	out := tensor.New(n, rows*cols, c*p*p)
	for b := range n {
		for pr := range rows {
			for pc := range cols {
				dst := out.Row(b*rows*cols + pr*cols + pc)
				i := 0
				for ch := range c {
					plane := pixels.Data[(b*c+ch)*h*w:]
					for y := range p {
						row := plane[(pr*p+y)*w+pc*p:][:p]
						copy(dst[i:i+p], row)
						i += p
					}
				}
			}
		}
	}
	return out
}

// Bucketize returns, for each x, the number of boundaries <= x: torch.bucketize
// with right=True, so a value equal to a boundary lands in the upper bucket.
// boundaries must be sorted ascending.
func Bucketize(xs, boundaries []float64) []int {
	out := make([]int, len(xs))
	for i, x := range xs {
		lo, hi := 0, len(boundaries)
		for lo < hi {
			mid := (lo + hi) / 2
			if boundaries[mid] <= x {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		out[i] = lo
	}
	return out
}

// steps returns k/n for k = from..to-1.
func steps(n, from, to int) []float64 {
	inv := 1 / float64(n)
	out := make([]float64, 0, max(to-from, 0))
	for k := from; k < to; k++ {
		out = append(out, float64(k)*inv)
	}
	return out
}

// PositionIDs maps each real patch of each image onto the side×side
// position grid by bucketizing its fractional row and column. Patches outside
// the valid region keep id 0. patchMask is (n, rows, cols), nonzero for real
// patches, with the valid region anchored at the top-left.
func PositionIDs(patchMask *tensor.Tensor, side int) ([]int, error) {
	n, rows, cols := patchMask.Shape[0], patchMask.Shape[1], patchMask.Shape[2]
	boundaries := steps(side, 1, side)
	ids := make([]int, n*rows*cols)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := range n {
		g.Go(func() error {
			mask := patchMask.Data[b*rows*cols : (b+1)*rows*cols]
			nbRows, nbCols := 0, 0
			for r := range rows {
				if mask[r*cols] != 0 {
					nbRows++
				}
			}
			for c := range cols {
				if mask[c] != 0 {
					nbCols++
				}
			}
			if nbRows == 0 || nbCols == 0 {
				return nil
			}
			rowBuckets := Bucketize(steps(nbRows, 0, nbRows), boundaries)
			colBuckets := Bucketize(steps(nbCols, 0, nbCols), boundaries)
			dst := ids[b*rows*cols : (b+1)*rows*cols]
			for r := range nbRows {
				for c := range nbCols {
					if mask[r*cols+c] == 0 {
						continue
					}
					dst[r*cols+c] = rowBuckets[r]*side + colBuckets[c]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// PatchMask reduces a pixel mask (n, H, W) to (n, H/patch, W/patch). A patch
// is real when any of its pixels is.
func PatchMask(pixelMask *tensor.Tensor, patch int) (*tensor.Tensor, error) {
	if pixelMask.Rank() != 3 || patch <= 0 {
		return nil, fmt.Errorf("patch mask: pixel mask %v: %w", pixelMask.Shape, tensor.ErrShape)
	}
	n, h, w := pixelMask.Shape[0], pixelMask.Shape[1], pixelMask.Shape[2]
	rows, cols := h/patch, w/patch
	out := tensor.New(n, rows, cols)
	for b := range n {
		plane := pixelMask.Data[b*h*w:]
		for r := range rows {
			for c := range cols {
			scan:
				for y := r * patch; y < (r+1)*patch; y++ {
					for x := c * patch; x < (c+1)*patch; x++ {
						if plane[y*w+x] != 0 {
							out.Data[(b*rows+r)*cols+c] = 1
							break scan
						}
					}
				}
			}
		}
	}
	return out, nil
}
