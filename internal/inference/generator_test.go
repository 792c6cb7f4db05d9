package inference

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/weave/internal/logits"
	"github.com/samcharles93/weave/internal/pipeline"
	"github.com/samcharles93/weave/internal/tensor"
)

const fakeVocab = 16

// scripted emits one-hot logits for script[i] on the i-th Forward call.
type scripted struct {
	script   []int
	forwards int
	prompts  int
	err      error
	panicAt  int
}

func (s *scripted) Forward(_ context.Context, seqs []pipeline.Sequence, isPrompt bool) (*tensor.Tensor, error) {
	s.forwards++
	if s.panicAt > 0 && s.forwards == s.panicAt {
		panic("boom")
	}
	if s.err != nil {
		return nil, s.err
	}
	if isPrompt {
		s.prompts++
	}
	out := tensor.New(len(seqs), 1, fakeVocab)
	out.Data[s.script[s.forwards-1]] = 1
	return out, nil
}

func (s *scripted) Sample(l *tensor.Tensor, seq pipeline.Sequence) (logits.Logprobs, error) {
	return seq.SamplingState().Sample(l.Data, seq.Tokens())
}

type fakeTokenizer map[int]string

func (f fakeTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(f[id])
	}
	return b.String(), nil
}

func greedySeq(prompt ...int) *Sequence {
	return NewSequence(prompt, logits.New(logits.Config{}), nil)
}

func TestRun(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		script   []int
		steps    int
		maxSeq   int
		want     []int
		reason   StopReason
		forwards int
	}{
		{name: "stop token", script: []int{5, 6, 2, 9}, steps: -1, want: []int{5, 6}, reason: StopToken, forwards: 3},
		{name: "step limit", script: []int{5, 6, 7}, steps: 2, want: []int{5, 6}, reason: StopLength, forwards: 2},
		{name: "max seq len", script: []int{5, 6, 7, 8}, steps: -1, maxSeq: 4, want: []int{5, 6}, reason: StopLength, forwards: 2},
		{name: "zero steps", script: []int{5}, steps: 0, want: []int{}, reason: StopLength, forwards: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := &scripted{script: tt.script}
			g := &Generator{Model: m, StopTokens: []int{2}, MaxSeqLen: tt.maxSeq}
			seq := greedySeq(1, 3)
			stats, err := g.Run(context.Background(), seq, tt.steps, nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if diff := cmp.Diff(tt.want, seq.Generated()); diff != "" {
				t.Errorf("generated (-want +got):\n%s", diff)
			}
			if stats.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", stats.Reason, tt.reason)
			}
			if m.forwards != tt.forwards || m.prompts != 1 {
				t.Errorf("forwards = %d prompts = %d, want %d and 1", m.forwards, m.prompts, tt.forwards)
			}
			if stats.PromptTokens != 2 || stats.TokensGenerated != len(tt.want) {
				t.Errorf("stats = %+v", stats)
			}
			if len(seq.Logprobs()) != len(tt.want) {
				t.Errorf("logprobs = %d, want %d", len(seq.Logprobs()), len(tt.want))
			}
		})
	}
}

func TestRunForwardErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("device lost")
	g := &Generator{Model: &scripted{err: boom}}
	if _, err := g.Run(context.Background(), greedySeq(1), 4, nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	g = &Generator{Model: &scripted{script: []int{5, 6, 7}, panicAt: 2}}
	seq := greedySeq(1)
	_, err := g.Run(context.Background(), seq, 4, nil)
	if err == nil || !strings.Contains(err.Error(), "panic in Forward") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
	if diff := cmp.Diff([]int{5}, seq.Generated()); diff != "" {
		t.Errorf("generated before panic (-want +got):\n%s", diff)
	}
}

func TestRunCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := &Generator{
		Model:     &scripted{script: []int{5, 6, 7, 8}},
		Tokenizer: fakeTokenizer{5: "a", 6: "b"},
	}
	seq := greedySeq(1)
	stats, err := g.Run(ctx, seq, -1, func(string) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if stats.Reason != StopCancel || stats.TokensGenerated != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunStreamsWholeRunes(t *testing.T) {
	t.Parallel()
	// 5 and 6 together spell the euro sign.
	tok := fakeTokenizer{5: "\xe2\x82", 6: "\xac", 7: "!"}
	g := &Generator{Model: &scripted{script: []int{7, 5, 6, 2}}, Tokenizer: tok, StopTokens: []int{2}}
	var chunks []string
	if _, err := g.Run(context.Background(), greedySeq(1), -1, func(s string) { chunks = append(chunks, s) }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"!", "€"}, chunks); diff != "" {
		t.Errorf("chunks (-want +got):\n%s", diff)
	}
}
