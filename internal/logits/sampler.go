// Package logits turns a logit vector into a sampled token.
package logits

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

var ErrEmptyLogits = errors.New("logits: empty vector")

// Config configures a Sampler. Zero values select the defaults noted on
// each field.
type Config struct {
	Seed uint64
	// Temperature <= 0 selects greedy decoding.
	Temperature float32
	// TopK keeps the K most likely tokens. Default 40.
	TopK int
	// TopP keeps the smallest prefix whose probability reaches TopP. Default 1.
	TopP float32
	// MinP drops tokens less likely than MinP times the best token.
	MinP float32
	// RepeatPenalty > 1 discourages tokens seen in the last RepeatLastN
	// context tokens. Default 1.
	RepeatPenalty float32
	// RepeatLastN bounds the penalty window. Default 64.
	RepeatLastN int
	// TopLogprobs is how many alternatives Sample reports.
	TopLogprobs int
}

// TokenLogprob is one token with its log-probability.
type TokenLogprob struct {
	Token   int
	Logprob float32
}

// Logprobs is the result of one sampling step. Log-probabilities are taken
// over the full vocabulary after the penalty and temperature.
type Logprobs struct {
	Token   int
	Logprob float32
	Top     []TokenLogprob
}

type candidate struct {
	id    int
	logit float32
	p     float64
}

// Sampler holds the random state and scratch buffers for one sequence. It is
// not safe for concurrent use.
type Sampler struct {
	cfg    Config
	greedy bool
	rng    *rand.Rand

	scaled []float32
	cands  []candidate
}

func New(cfg Config) *Sampler {
	s := &Sampler{greedy: cfg.Temperature <= 0}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	s.cfg = cfg
	s.rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d))
	return s
}

// Config returns the configuration with defaults applied.
func (s *Sampler) Config() Config { return s.cfg }

// Sample draws a token from logits. context holds the preceding token ids
// used by the repeat penalty; logits is not modified.
func (s *Sampler) Sample(logits []float32, context []int) (Logprobs, error) {
	if len(logits) == 0 {
		return Logprobs{}, ErrEmptyLogits
	}
	scaled := s.scale(logits, context)
	if scaled == nil {
		return Logprobs{}, fmt.Errorf("logits: NaN in a vector of %d", len(logits))
	}
	logZ := logSumExp(scaled)

	var token int
	if s.greedy {
		token = argmax(scaled)
	} else {
		token = s.draw(scaled)
	}
	out := Logprobs{Token: token, Logprob: scaled[token] - logZ}
	if n := min(s.cfg.TopLogprobs, len(scaled)); n > 0 {
		for _, c := range s.ranked(scaled, n) {
			out.Top = append(out.Top, TokenLogprob{Token: c.id, Logprob: c.logit - logZ})
		}
	}
	return out, nil
}

// scale copies logits, applies the repeat penalty and divides by the
// temperature. It returns nil if any logit is NaN.
func (s *Sampler) scale(logits []float32, context []int) []float32 {
	s.scaled = append(s.scaled[:0], logits...)
	x := s.scaled
	if s.cfg.RepeatPenalty > 1 && len(context) > 0 {
		window := context[max(len(context)-s.cfg.RepeatLastN, 0):]
		seen := make(map[int]struct{}, len(window))
		for _, id := range window {
			if id < 0 || id >= len(x) {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if x[id] > 0 {
				x[id] /= s.cfg.RepeatPenalty
			} else {
				x[id] *= s.cfg.RepeatPenalty
			}
		}
	}
	inv := 1 / s.cfg.Temperature
	for i, v := range x {
		if v != v {
			return nil
		}
		x[i] = v * inv
	}
	return x
}

// ranked returns the n largest entries of x, best first.
func (s *Sampler) ranked(x []float32, n int) []candidate {
	s.cands = s.cands[:0]
	for i, v := range x {
		s.cands = append(s.cands, candidate{id: i, logit: v})
	}
	slices.SortStableFunc(s.cands, func(a, b candidate) int { return cmp.Compare(b.logit, a.logit) })
	return s.cands[:n]
}

func (s *Sampler) draw(x []float32) int {
	cands := s.ranked(x, min(s.cfg.TopK, len(x)))
	best := cands[0].logit
	if math.IsInf(float64(best), -1) {
		return cands[0].id
	}
	var sum float64
	for i := range cands {
		cands[i].p = math.Exp(float64(cands[i].logit - best))
		sum += cands[i].p
	}
	if s.cfg.MinP > 0 {
		// The best candidate has weight exp(0) = 1.
		floor := float64(s.cfg.MinP)
		kept := cands[:0]
		sum = 0
		for _, c := range cands {
			if c.p >= floor {
				kept = append(kept, c)
				sum += c.p
			}
		}
		cands = kept
	}
	if s.cfg.TopP < 1 {
		target := float64(s.cfg.TopP) * sum
		var acc float64
		for i, c := range cands {
			acc += c.p
			if acc >= target {
				cands = cands[:i+1]
				sum = acc
				break
			}
		}
	}
	r := s.rng.Float64() * sum
	var acc float64
	for _, c := range cands {
		acc += c.p
		if r < acc {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

func logSumExp(x []float32) float32 {
	m := x[argmax(x)]
	if math.IsInf(float64(m), 0) {
		return m
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v - m))
	}
	return m + float32(math.Log(sum))
}
