// Package imageproc turns decoded images into the padded pixel batch the
// vision tower consumes.
package imageproc

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/weave/internal/tensor"
	"github.com/samcharles93/weave/internal/vision"
)

var (
	StandardMean = [3]float32{0.5, 0.5, 0.5}
	StandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipMean     = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipSTD      = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Options control preprocessing. The zero value keeps the source size and
// normalizes with the standard 0.5 mean and std.
type Options struct {
	// LongestEdge resizes so the longer side matches it; 0 keeps the size.
	LongestEdge int
	Mean, STD   [3]float32
	// SkipRescale leaves channel values in 0..255 before normalization.
	SkipRescale   bool
	SkipNormalize bool
}

// preprocessorConfig is the subset of preprocessor_config.json honoured here.
type preprocessorConfig struct {
	DoResize    *bool          `json:"do_resize"`
	DoRescale   *bool          `json:"do_rescale"`
	DoNormalize *bool          `json:"do_normalize"`
	ImageMean   *[3]float32    `json:"image_mean"`
	ImageSTD    *[3]float32    `json:"image_std"`
	Size        map[string]int `json:"size"`
}

// ParseOptions reads a Hugging Face preprocessor_config.json. Resizing
// uses size.longest_edge; the remaining keys map onto Options directly.
func ParseOptions(raw []byte) (Options, error) {
	var pc preprocessorConfig
	if err := json.Unmarshal(raw, &pc); err != nil {
		return Options{}, fmt.Errorf("imageproc: parse preprocessor config: %w", err)
	}
	var o Options
	if pc.DoResize == nil || *pc.DoResize {
		o.LongestEdge = pc.Size["longest_edge"]
	}
	o.SkipRescale = pc.DoRescale != nil && !*pc.DoRescale
	if pc.ImageMean != nil {
		o.Mean = *pc.ImageMean
	}
	if pc.ImageSTD != nil {
		o.STD = *pc.ImageSTD
	}
	if pc.DoNormalize != nil && !*pc.DoNormalize {
		o.SkipNormalize = true
	}
	if o.LongestEdge < 0 {
		return Options{}, fmt.Errorf("imageproc: negative longest_edge %d", o.LongestEdge)
	}
	return o, nil
}

func (o Options) stats() ([3]float32, [3]float32) {
	if o.SkipNormalize {
		return [3]float32{}, [3]float32{1, 1, 1}
	}
	mean, std := o.Mean, o.STD
	if mean == ([3]float32{}) {
		mean = StandardMean
	}
	if std == ([3]float32{}) {
		std = StandardSTD
	}
	return mean, std
}

// Decode reads a PNG or JPEG image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("imageproc: decode: %w", err)
	}
	return img, nil
}

// Open decodes the image at path.
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageproc: %w", err)
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Composite drops the alpha channel by drawing over white.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// FitLongest returns the size that scales the longer side of b to edge,
// keeping the aspect ratio.
func FitLongest(b image.Rectangle, edge int) image.Point {
	w, h := b.Dx(), b.Dy()
	if edge <= 0 || w == 0 || h == 0 {
		return image.Point{w, h}
	}
	if w >= h {
		return image.Point{edge, max(1, h*edge/w)}
	}
	return image.Point{max(1, w*edge/h), edge}
}

// Resize scales img to size with bilinear interpolation.
func Resize(img image.Image, size image.Point) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.BiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Normalize returns channel-first RGB values rescaled to 0..1 (unless
// rescale is false) and normalized with mean and std.
func Normalize(img image.Image, mean, std [3]float32, rescale bool) []float32 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	out := make([]float32, 3*n)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			for c, v := range [3]uint32{r, g, bl} {
				f := float32(v >> 8)
				if rescale {
					f /= 255
				}
				out[c*n+i] = (f - mean[c]) / std[c]
			}
			i++
		}
	}
	return out
}

type prepared struct {
	w, h int
	data []float32
}

// Batch preprocesses images concurrently and pads them to the largest
// height and width. Mask is nil when no image needed padding.
func Batch(ctx context.Context, imgs []image.Image, opts Options) (*vision.Images, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("imageproc: no images")
	}
	mean, std := opts.stats()
	out := make([]prepared, len(imgs))
	g, ctx := errgroup.WithContext(ctx)
	for i, img := range imgs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := img.Bounds()
			if b.Empty() {
				return fmt.Errorf("imageproc: image %d is empty", i)
			}
			img = Composite(img)
			if opts.LongestEdge > 0 {
				img = Resize(img, FitLongest(b, opts.LongestEdge))
			}
			b = img.Bounds()
			out[i] = prepared{w: b.Dx(), h: b.Dy(), data: Normalize(img, mean, std, !opts.SkipRescale)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	maxW, maxH, padded := 0, 0, false
	for _, p := range out {
		maxW, maxH = max(maxW, p.w), max(maxH, p.h)
	}
	for _, p := range out {
		padded = padded || p.w != maxW || p.h != maxH
	}
	pixels := tensor.New(len(out), 3, maxH, maxW)
	var mask *tensor.Tensor
	if padded {
		mask = tensor.New(len(out), maxH, maxW)
	}
	for i, p := range out {
		for c := range 3 {
			for y := range p.h {
				src := p.data[(c*p.h+y)*p.w : (c*p.h+y+1)*p.w]
				dst := ((i*3+c)*maxH + y) * maxW
				copy(pixels.Data[dst:dst+p.w], src)
			}
		}
		if mask != nil {
			for y := range p.h {
				row := (i*maxH + y) * maxW
				for x := range p.w {
					mask.Data[row+x] = 1
				}
			}
		}
	}
	return &vision.Images{Pixels: pixels, Mask: mask}, nil
}
