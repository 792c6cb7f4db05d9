package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/weave/internal/ggml"
	"github.com/samcharles93/weave/internal/gguf"
	"github.com/samcharles93/weave/internal/kvcache"
	"github.com/samcharles93/weave/internal/nn"
	"github.com/samcharles93/weave/internal/tensor"
)

// QuantizedMaxSeqLen bounds the context of models loaded from GGUF/GGML files.
const QuantizedMaxSeqLen = 4096

// RopeStyle selects how rotary embeddings pair up head dimensions.
type RopeStyle int

const (
	// RopeHalf rotates the first half of each head against the second half
	// (Hugging Face checkpoints).
	RopeHalf RopeStyle = iota
	// RopeInterleaved rotates adjacent pairs (llama.cpp containers).
	RopeInterleaved
)

type Options struct {
	// NoCache makes every forward replace the cache instead of extending it.
	NoCache bool
	// Prefix is the decoder prefix of Hugging Face weight names. Defaults to "model.".
	Prefix    string
	MaxSeqLen int
}

// Input is one batched step of token ids.
type Input struct {
	// IDs is row-major (Batch, SeqLen); shorter rows are right-padded with 0.
	IDs           []int
	Batch, SeqLen int
	// Lens is the number of real tokens in each row.
	Lens []int
	// Offsets is the absolute position of each row's first token.
	Offsets []int
	// Prompt marks the first pass over a sequence; its K/V replace the cache.
	Prompt bool
}

func (in Input) validate() error {
	if in.Batch <= 0 || in.SeqLen <= 0 {
		return fmt.Errorf("input: empty batch %dx%d", in.Batch, in.SeqLen)
	}
	if len(in.IDs) != in.Batch*in.SeqLen || len(in.Lens) != in.Batch || len(in.Offsets) != in.Batch {
		return fmt.Errorf("input: %d ids, %d lens, %d offsets for batch %d seq %d: %w",
			len(in.IDs), len(in.Lens), len(in.Offsets), in.Batch, in.SeqLen, tensor.ErrShape)
	}
	for b, n := range in.Lens {
		if n <= 0 || n > in.SeqLen {
			return fmt.Errorf("input: row %d length %d outside [1,%d]", b, n, in.SeqLen)
		}
	}
	return nil
}

type block struct {
	attnNorm, ffnNorm *nn.RMSNorm
	wq, wk, wv, wo    nn.Linear
	mlp               *nn.GatedMLP
}

// Transformer is a Mistral/Llama-style decoder with its own KV cache.
// It is not safe for concurrent use.
type Transformer struct {
	Config TextConfig

	embed  *nn.Embedding
	blocks []*block
	norm   *nn.RMSNorm
	output nn.Linear

	cache     *kvcache.Cache
	noCache   bool
	rope      RopeStyle
	invFreq   []float64
	maxSeqLen int
}

// Load binds a Hugging Face decoder from src.
func Load(cfg TextConfig, src WeightSource, opts Options) (*Transformer, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "model."
	}
	if opts.MaxSeqLen <= 0 {
		opts.MaxSeqLen = cfg.MaxPositionEmbeddings
	}
	return load(cfg, src, hfNames(prefix), RopeHalf, opts)
}

// LoadGGUF binds a decoder from a GGUF file, reading its config from the metadata.
func LoadGGUF(f *gguf.File, opts Options) (*Transformer, error) {
	cfg, err := TextConfigFromGGUF(f)
	if err != nil {
		return nil, err
	}
	if opts.MaxSeqLen <= 0 {
		opts.MaxSeqLen = QuantizedMaxSeqLen
	}
	return load(cfg, GGUFSource{File: f}, ggufNames(), RopeInterleaved, opts)
}

// LoadGGML binds a decoder from a legacy GGML/GGMF/GGJT file.
func LoadGGML(f *ggml.File, gqa int, opts Options) (*Transformer, error) {
	cfg, err := TextConfigFromGGML(f, gqa)
	if err != nil {
		return nil, err
	}
	if opts.MaxSeqLen <= 0 {
		opts.MaxSeqLen = QuantizedMaxSeqLen
	}
	return load(cfg, GGMLSource{File: f}, ggmlNames(), RopeInterleaved, opts)
}

func load(cfg TextConfig, src WeightSource, names weightNames, rope RopeStyle, opts Options) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, err := nn.ActivationByName(cfg.HiddenAct)
	if err != nil {
		return nil, err
	}
	emb, err := src.Tensor(names.embedding)
	if err != nil {
		return nil, err
	}
	if emb.Rank() != 2 || emb.Shape[1] != cfg.HiddenSize {
		return nil, fmt.Errorf("%s: shape %v, want [%d %d]", names.embedding, emb.Shape, cfg.VocabSize, cfg.HiddenSize)
	}
	outNorm, err := LoadVector(src, names.outputNorm)
	if err != nil {
		return nil, err
	}
	output, _, err := LoadLinearCandidates(src, names.outputCandidates)
	if err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}

	eps := float32(cfg.RMSNormEps)
	t := &Transformer{
		Config:    cfg,
		embed:     &nn.Embedding{Weight: emb},
		blocks:    make([]*block, cfg.NumHiddenLayers),
		norm:      &nn.RMSNorm{Weight: outNorm, Eps: eps},
		output:    output,
		cache:     kvcache.New(cfg.NumHiddenLayers),
		noCache:   opts.NoCache,
		rope:      rope,
		invFreq:   tensor.RopeInvFreq(cfg.HeadDim(), cfg.RopeTheta),
		maxSeqLen: opts.MaxSeqLen,
	}
	ln := names.layer
	for i := range t.blocks {
		b := &block{}
		linears := []struct {
			dst  *nn.Linear
			name string
		}{
			{&b.wq, ln.wq(i)}, {&b.wk, ln.wk(i)}, {&b.wv, ln.wv(i)}, {&b.wo, ln.wo(i)},
		}
		for _, l := range linears {
			if *l.dst, err = src.Linear(l.name); err != nil {
				return nil, err
			}
		}
		mlp := &nn.GatedMLP{Act: act}
		for _, l := range []struct {
			dst  *nn.Linear
			name string
		}{{&mlp.Gate, ln.ffnGate(i)}, {&mlp.Up, ln.ffnUp(i)}, {&mlp.Down, ln.ffnDown(i)}} {
			if *l.dst, err = src.Linear(l.name); err != nil {
				return nil, err
			}
		}
		b.mlp = mlp
		attnNorm, err := LoadVector(src, ln.attnNorm(i))
		if err != nil {
			return nil, err
		}
		ffnNorm, err := LoadVector(src, ln.ffnNorm(i))
		if err != nil {
			return nil, err
		}
		b.attnNorm = &nn.RMSNorm{Weight: attnNorm, Eps: eps}
		b.ffnNorm = &nn.RMSNorm{Weight: ffnNorm, Eps: eps}

		hd := cfg.HeadDim()
		if b.wq.OutFeatures() != cfg.NumAttentionHeads*hd || b.wk.OutFeatures() != cfg.NumKeyValueHeads*hd {
			return nil, fmt.Errorf("layer %d: q/k projections %d/%d do not match %d heads, %d kv heads of %d",
				i, b.wq.OutFeatures(), b.wk.OutFeatures(), cfg.NumAttentionHeads, cfg.NumKeyValueHeads, hd)
		}
		t.blocks[i] = b
	}
	return t, nil
}

func (t *Transformer) NumLayers() int           { return len(t.blocks) }
func (t *Transformer) MaxSeqLen() int           { return t.maxSeqLen }
func (t *Transformer) Cache() *kvcache.Cache    { return t.cache }
func (t *Transformer) CacheDisabled() bool      { return t.noCache }
func (t *Transformer) HiddenSize() int          { return t.Config.HiddenSize }
func (t *Transformer) Embedding() *nn.Embedding { return t.embed }
func (t *Transformer) ResetCache()              { t.cache.Reset() }
func (t *Transformer) replace(in Input) bool    { return in.Prompt || t.noCache }
func (t *Transformer) ropeFunc() func([]float32, int, int, int, []float64) {
	if t.rope == RopeInterleaved {
		return tensor.ApplyRoPE
	}
	return tensor.ApplyRoPEHalf
}

// Embed looks up the token embeddings of in as (batch, seq, hidden).
func (t *Transformer) Embed(in Input) (*tensor.Tensor, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return t.embed.Lookup(in.IDs, in.Batch, in.SeqLen)
}

// Forward runs one step and returns logits (batch, 1, vocab) taken at the
// last real token of each row.
func (t *Transformer) Forward(in Input) (*tensor.Tensor, error) {
	x, err := t.Embed(in)
	if err != nil {
		return nil, err
	}
	return t.ForwardEmbeds(x, in)
}

// ForwardEmbeds is Forward with precomputed input embeddings, used when image
// features have been merged into the sequence.
func (t *Transformer) ForwardEmbeds(x *tensor.Tensor, in Input) (*tensor.Tensor, error) {
	h, err := t.hidden(x, in, t.cache, t.replace(in))
	if err != nil {
		return nil, err
	}
	return t.logits(h, in.Lens)
}

// hidden runs every block and the final norm, writing K/V into cache.
func (t *Transformer) hidden(x *tensor.Tensor, in Input, cache *kvcache.Cache, replace bool) (*tensor.Tensor, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if x.Rank() != 3 || x.Shape[0] != in.Batch || x.Shape[1] != in.SeqLen || x.Shape[2] != t.Config.HiddenSize {
		return nil, fmt.Errorf("embeddings %v for batch %d seq %d: %w", x.Shape, in.Batch, in.SeqLen, tensor.ErrShape)
	}
	x = x.Clone()
	for b, off := range in.Offsets {
		if off < 0 || off+in.SeqLen > t.maxSeqLen {
			return nil, fmt.Errorf("row %d: positions [%d,%d) exceed max sequence length %d", b, off, off+in.SeqLen, t.maxSeqLen)
		}
	}
	for i, blk := range t.blocks {
		r, err := blk.attnNorm.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		a, err := t.attention(i, blk, r, in, cache, replace)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		tensor.Add(x.Data, a.Data)
		r, err = blk.ffnNorm.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		m, err := blk.mlp.Forward(r)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		tensor.Add(x.Data, m.Data)
	}
	return t.norm.Forward(x)
}

func (t *Transformer) attention(layer int, blk *block, x *tensor.Tensor, in Input, cache *kvcache.Cache, replace bool) (*tensor.Tensor, error) {
	cfg := t.Config
	hd := cfg.HeadDim()
	q, err := blk.wq.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("q_proj: %w", err)
	}
	k, err := blk.wk.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("k_proj: %w", err)
	}
	v, err := blk.wv.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("v_proj: %w", err)
	}
	rope := t.ropeFunc()
	for b := range in.Batch {
		for s := range in.SeqLen {
			pos := in.Offsets[b] + s
			rope(q.Row(b*in.SeqLen+s), cfg.NumAttentionHeads, hd, pos, t.invFreq)
			rope(k.Row(b*in.SeqLen+s), cfg.NumKeyValueHeads, hd, pos, t.invFreq)
		}
	}
	qh, err := nn.SplitHeads(q, cfg.NumAttentionHeads, hd)
	if err != nil {
		return nil, err
	}
	kh, err := nn.SplitHeads(k, cfg.NumKeyValueHeads, hd)
	if err != nil {
		return nil, err
	}
	vh, err := nn.SplitHeads(v, cfg.NumKeyValueHeads, hd)
	if err != nil {
		return nil, err
	}
	kAll, vAll, err := cache.Update(layer, kh, vh, replace)
	if err != nil {
		return nil, err
	}
	past := kAll.Shape[2] - in.SeqLen
	var mask *tensor.Tensor
	if in.SeqLen > 1 || (cfg.SlidingWindow > 0 && past+1 > cfg.SlidingWindow) {
		mask = kvcache.CausalMask(in.SeqLen, past, cfg.SlidingWindow)
	}
	out, err := nn.Attend(qh, kAll, vAll, mask, float32(1/math.Sqrt(float64(hd))))
	if err != nil {
		return nil, err
	}
	o, err := blk.wo.Forward(out)
	if err != nil {
		return nil, fmt.Errorf("o_proj: %w", err)
	}
	return o, nil
}

// logits projects the hidden state at each row's last real token.
func (t *Transformer) logits(h *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	batch, seq, hidden := h.Shape[0], h.Shape[1], h.Shape[2]
	last := tensor.New(batch, 1, hidden)
	for b := range batch {
		idx := min(max(lens[b]-1, 0), seq-1)
		copy(last.Row(b), h.Row(b*seq+idx))
	}
	out, err := t.output.Forward(last)
	if err != nil {
		return nil, fmt.Errorf("lm_head: %w", err)
	}
	return out, nil
}
