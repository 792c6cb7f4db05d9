package inference

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/weave/internal/pipeline"
	"github.com/samcharles93/weave/internal/toy"
)

func loadToy(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	root := t.TempDir()
	if err := toy.WriteRepo(root, toy.Tiny()); err != nil {
		t.Fatalf("WriteRepo: %v", err)
	}
	req := pipeline.Request{ModelID: toy.BaseRepo, Kind: pipeline.KindNormal}
	paths, err := pipeline.Resolve(context.Background(), pipeline.LocalDownloader{Root: root}, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	p, err := pipeline.Load(context.Background(), pipeline.KindNormal, paths, pipeline.Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func TestEngineGenerate(t *testing.T) {
	t.Parallel()
	e := NewEngine(loadToy(t))
	defer e.Close()
	if !slices.Contains(e.StopTokens(), 2) {
		t.Fatalf("stop tokens %v lack </s>", e.StopTokens())
	}

	req := &Request{Prompt: "he a", Steps: 3, Seed: 7, EchoPrompt: true}
	var streamed strings.Builder
	first, err := e.Generate(context.Background(), req, func(s string) { streamed.WriteString(s) })
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if first.Stats.PromptTokens != 4 {
		t.Errorf("prompt tokens = %d, want 4", first.Stats.PromptTokens)
	}
	if len(first.Tokens) != first.Stats.TokensGenerated || len(first.Logprobs) != len(first.Tokens) {
		t.Errorf("tokens %v do not match stats %+v", first.Tokens, first.Stats)
	}
	switch first.Stats.Reason {
	case StopLength:
		if len(first.Tokens) != 3 {
			t.Errorf("length stop after %d tokens", len(first.Tokens))
		}
	case StopToken:
	default:
		t.Errorf("reason = %q", first.Stats.Reason)
	}
	if !strings.HasPrefix(streamed.String(), "<s>he a") {
		t.Errorf("stream %q does not start with the echoed prompt", streamed.String())
	}

	// Temperature zero is greedy, and the prompt pass replaces the cache.
	second, err := e.Generate(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if diff := cmp.Diff(first.Tokens, second.Tokens); diff != "" {
		t.Errorf("greedy runs differ (-first +second):\n%s", diff)
	}
}

func TestEngineGenerateErrors(t *testing.T) {
	t.Parallel()
	e := NewEngine(loadToy(t))
	if _, err := e.Generate(context.Background(), nil, nil); err == nil {
		t.Error("nil request: want error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Generate(ctx, &Request{Prompt: "a"}, nil); err == nil {
		t.Error("cancelled context: want error")
	}
	if _, err := e.Generate(context.Background(), &Request{Tokens: []int{99}, Steps: 1}, nil); err == nil {
		t.Error("out-of-vocabulary token: want error")
	}
}

func TestResolveRequest(t *testing.T) {
	t.Parallel()
	temp, topK := 0.3, 5
	steps := 12
	tests := []struct {
		name     string
		opts     RequestOptions
		defaults GenDefaults
		want     Request
	}{
		{
			name: "built in",
			opts: RequestOptions{Prompt: "x"},
			want: Request{Prompt: "x", Steps: -1, Seed: -1, Temperature: 0.8, TopK: 40, TopP: 0.95, RepeatPenalty: 1.1, RepeatLastN: 64},
		},
		{
			name:     "model defaults",
			defaults: GenDefaults{Temperature: &temp, TopK: &topK},
			want:     Request{Steps: -1, Seed: -1, Temperature: 0.3, TopK: 5, TopP: 0.95, RepeatPenalty: 1.1, RepeatLastN: 64},
		},
		{
			name:     "caller wins",
			opts:     RequestOptions{Steps: &steps, TopK: &topK},
			defaults: GenDefaults{Temperature: &temp},
			want:     Request{Steps: 12, Seed: -1, Temperature: 0.3, TopK: 5, TopP: 0.95, RepeatPenalty: 1.1, RepeatLastN: 64},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tt.want, ResolveRequest(tt.opts, tt.defaults)); diff != "" {
				t.Errorf("ResolveRequest (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSamplerConfigSeed(t *testing.T) {
	t.Parallel()
	r := Request{Seed: 42, Temperature: 0.5, TopK: 3}
	cfg := r.SamplerConfig()
	if cfg.Seed != 42 || cfg.Temperature != 0.5 || cfg.TopK != 3 {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoadGenDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := LoadGenDefaults(filepath.Join(dir, "missing.json"))
	if err != nil || d.Temperature != nil {
		t.Fatalf("missing file: %+v, %v", d, err)
	}

	path := filepath.Join(dir, "generation_config.json")
	if err := os.WriteFile(path, []byte(`{"temperature": 0.6, "top_p": 0.9}`), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err = LoadGenDefaults(path)
	if err != nil {
		t.Fatalf("LoadGenDefaults: %v", err)
	}
	if d.Temperature == nil || *d.Temperature != 0.6 || d.TopP == nil || *d.TopP != 0.9 || d.TopK != nil {
		t.Errorf("defaults = %+v", d)
	}

	if err := os.WriteFile(path, []byte(`{`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadGenDefaults(path); err == nil {
		t.Error("bad json: want error")
	}
}

type vocab map[string]int

func (v vocab) EOS() int { return v["eos"] }
func (v vocab) TokenID(s string) (int, bool) {
	id, ok := v[s]
	return id, ok
}

func TestBuildStopTokens(t *testing.T) {
	t.Parallel()
	v := vocab{"eos": 7, "<|im_end|>": 9, "</s>": 7}
	if diff := cmp.Diff([]int{7, 9}, BuildStopTokens(v)); diff != "" {
		t.Errorf("stop tokens (-want +got):\n%s", diff)
	}
	if got := BuildStopTokens(vocab{"eos": -1}); got != nil {
		t.Errorf("no eos: got %v", got)
	}
}
