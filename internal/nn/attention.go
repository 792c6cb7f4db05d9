package nn

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/samcharles93/weave/internal/tensor"
)

type attnTask struct {
	ctx    *attnContext
	rs, re int
	done   chan struct{}
}

type attnContext struct {
	q, k, v, mask *tensor.Tensor
	out           []float32

	heads, kvHeads int
	tq, tk, dim    int
	scale          float32
	maskPerBatch   bool
}

type attnPool struct {
	size      int
	tasks     chan attnTask
	doneSlots chan chan struct{}
}

var (
	poolOnce   sync.Once
	sharedPool *attnPool
)

func getAttnPool() *attnPool {
	poolOnce.Do(func() {
		sharedPool = newAttnPool(runtime.GOMAXPROCS(0))
	})
	return sharedPool
}

func newAttnPool(workers int) *attnPool {
	if workers < 1 {
		workers = 1
	}
	p := &attnPool{
		size:      workers,
		tasks:     make(chan attnTask, workers*2),
		doneSlots: make(chan chan struct{}, workers),
	}
	for i := 0; i < workers; i++ {
		p.doneSlots <- make(chan struct{}, workers)
	}
	for i := 0; i < workers; i++ {
		go func() {
			var scores []float32
			for task := range p.tasks {
				if cap(scores) < task.ctx.tk {
					scores = make([]float32, task.ctx.tk)
				}
				runAttnHeads(task.ctx, scores[:task.ctx.tk], task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// Attend computes softmax(q·kᵀ·scale + mask)·v for every (batch, head).
//
// q has shape (batch, heads, tq, dim); k and v have shape (batch, kvHeads, tk, dim)
// with heads a multiple of kvHeads (grouped-query heads share a key/value head).
// mask is nil or additive with shape (tq, tk) or (batch, tq, tk).
// The result has shape (batch, tq, heads*dim).
func Attend(q, k, v, mask *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	if q.Rank() != 4 || k.Rank() != 4 || !tensor.SameShape(k, v) {
		return nil, fmt.Errorf("attention: q %v k %v v %v: %w", q.Shape, k.Shape, v.Shape, tensor.ErrShape)
	}
	batch, heads, tq, dim := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	kvHeads, tk := k.Shape[1], k.Shape[2]
	if k.Shape[0] != batch || k.Shape[3] != dim || kvHeads == 0 || heads%kvHeads != 0 {
		return nil, fmt.Errorf("attention: q %v incompatible with k %v: %w", q.Shape, k.Shape, tensor.ErrShape)
	}
	ctx := &attnContext{
		q: q, k: k, v: v, mask: mask,
		out:     make([]float32, batch*tq*heads*dim),
		heads:   heads,
		kvHeads: kvHeads,
		tq:      tq,
		tk:      tk,
		dim:     dim,
		scale:   scale,
	}
	if mask != nil {
		switch {
		case mask.Rank() == 2 && mask.Shape[0] == tq && mask.Shape[1] == tk:
		case mask.Rank() == 3 && mask.Shape[0] == batch && mask.Shape[1] == tq && mask.Shape[2] == tk:
			ctx.maskPerBatch = true
		default:
			return nil, fmt.Errorf("attention: mask %v for q %v k %v: %w", mask.Shape, q.Shape, k.Shape, tensor.ErrShape)
		}
	}

	units := batch * heads
	pool := getAttnPool()
	workers := min(pool.size, units)
	if workers <= 1 {
		runAttnHeads(ctx, make([]float32, tk), 0, units)
	} else {
		chunk := (units + workers - 1) / workers
		done := <-pool.doneSlots
		sent := 0
		for rs := 0; rs < units; rs += chunk {
			pool.tasks <- attnTask{ctx: ctx, rs: rs, re: min(rs+chunk, units), done: done}
			sent++
		}
		for range sent {
			<-done
		}
		pool.doneSlots <- done
	}
	return tensor.FromData(ctx.out, batch, tq, heads*dim)
}

// runAttnHeads handles the flattened (batch, head) units in [rs, re).
func runAttnHeads(ctx *attnContext, scores []float32, rs, re int) {
	group := ctx.heads / ctx.kvHeads
	d := ctx.dim
	for u := rs; u < re; u++ {
		b, h := u/ctx.heads, u%ctx.heads
		kvHead := h / group
		kBase := (b*ctx.kvHeads + kvHead) * ctx.tk * d
		for i := 0; i < ctx.tq; i++ {
			qOff := ((b*ctx.heads+h)*ctx.tq + i) * d
			qh := ctx.q.Data[qOff : qOff+d]
			var maskRow []float32
			if ctx.mask != nil {
				mr := i
				if ctx.maskPerBatch {
					mr = b*ctx.tq + i
				}
				maskRow = ctx.mask.Data[mr*ctx.tk : (mr+1)*ctx.tk]
			}
			for t := 0; t < ctx.tk; t++ {
				s := tensor.Dot(qh, ctx.k.Data[kBase+t*d:kBase+(t+1)*d]) * ctx.scale
				if maskRow != nil {
					s += maskRow[t]
				}
				scores[t] = s
			}
			tensor.Softmax(scores)
			out := ctx.out[((b*ctx.tq+i)*ctx.heads+h)*d:][:d]
			for t := 0; t < ctx.tk; t++ {
				w := scores[t]
				if w == 0 {
					continue
				}
				vRow := ctx.v.Data[kBase+t*d : kBase+(t+1)*d]
				for j := range out {
					out[j] += w * vRow[j]
				}
			}
		}
	}
}

// SplitHeads reshapes (batch, seq, heads*dim) into (batch, heads, seq, dim).
func SplitHeads(x *tensor.Tensor, heads, dim int) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Shape[2] != heads*dim {
		return nil, fmt.Errorf("split heads: %v into %d×%d: %w", x.Shape, heads, dim, tensor.ErrShape)
	}
	r, err := x.Reshape(x.Shape[0], x.Shape[1], heads, dim)
	if err != nil {
		return nil, err
	}
	return r.Transpose12()
}
