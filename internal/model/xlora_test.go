package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/weave/internal/safetensors"
	"github.com/samcharles93/weave/internal/tensor"
	"github.com/samcharles93/weave/internal/toy"
)

func loadToyXLora(t *testing.T) *XLora {
	t.Helper()
	dir := t.TempDir()
	c := toy.Tiny()
	files, err := toy.WriteHF(dir, c)
	if err != nil {
		t.Fatalf("WriteHF: %v", err)
	}
	xf, err := toy.WriteXLora(dir, c, toy.TinyXLora())
	if err != nil {
		t.Fatalf("WriteXLora: %v", err)
	}
	a, err := safetensors.OpenArchive(files.Weights...)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	raw, err := os.ReadFile(xf.Ordering)
	if err != nil {
		t.Fatal(err)
	}
	order, err := ParseOrdering(raw)
	if err != nil {
		t.Fatalf("ParseOrdering: %v", err)
	}
	var adapters []Adapter
	for _, name := range order.Adapters {
		if err := a.AddAdapter(name, filepath.Join(xf.Adapters[name], "adapter_model.safetensors")); err != nil {
			t.Fatalf("AddAdapter: %v", err)
		}
		raw, err := os.ReadFile(filepath.Join(xf.Adapters[name], "adapter_config.json"))
		if err != nil {
			t.Fatal(err)
		}
		var lc LoraConfig
		if err := json.Unmarshal(raw, &lc); err != nil {
			t.Fatal(err)
		}
		adapters = append(adapters, Adapter{Name: name, Config: lc})
	}
	raw, err = os.ReadFile(xf.Config)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := ParseXLoraConfig(raw)
	if err != nil {
		t.Fatalf("ParseXLoraConfig: %v", err)
	}
	ca, err := safetensors.OpenArchive(xf.Classifier)
	if err != nil {
		t.Fatalf("OpenArchive classifier: %v", err)
	}
	t.Cleanup(func() { _ = ca.Close() })
	cls, err := LoadClassifier(DenseSource{Archive: ca}, cfg, c.Layers, len(adapters))
	if err != nil {
		t.Fatalf("LoadClassifier: %v", err)
	}
	src := DenseSource{Archive: a, DType: tensor.F32}
	base, err := Load(toyConfig(t), src, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	x, err := NewXLora(base, src, cls, cfg, adapters)
	if err != nil {
		t.Fatalf("NewXLora: %v", err)
	}
	return x
}

func TestXLoraRequiresFullInput(t *testing.T) {
	t.Parallel()
	x := loadToyXLora(t)
	_, err := x.Forward(single([]int{1, 2}, 0, true), nil)
	if !errors.Is(err, ErrMissingFullInput) {
		t.Fatalf("err = %v, want ErrMissingFullInput", err)
	}
	if !x.Base.Cache().Empty() {
		t.Fatal("failed forward touched the cache")
	}
}

func TestXLoraForward(t *testing.T) {
	t.Parallel()
	x := loadToyXLora(t)
	prompt := single([]int{1, 2, 3, 4, 5}, 0, true)
	logits, err := x.Forward(prompt, &prompt)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if got := x.Base.Cache().PastLen(); got != 5 {
		t.Fatalf("cache = %d, want 5", got)
	}

	plain := loadToy(t, Options{})
	base, err := plain.Forward(prompt)
	if err != nil {
		t.Fatalf("base forward: %v", err)
	}
	var diff float64
	for i := range base.Data {
		diff = max(diff, math.Abs(float64(base.Data[i]-logits.Data[i])))
	}
	if diff < 1e-6 {
		t.Fatal("adapters had no effect on the logits")
	}

	full := single([]int{1, 2, 3, 4, 5, 6}, 0, false)
	if _, err := x.Forward(single([]int{6}, 5, false), &full); err != nil {
		t.Fatalf("continuation: %v", err)
	}
	if got := x.Base.Cache().PastLen(); got != 6 {
		t.Fatalf("cache = %d, want 6", got)
	}
	if !x.scratch.Empty() {
		t.Fatal("scratch cache not reset after the scaling pass")
	}
}

func TestClassifierScalingsSumToOne(t *testing.T) {
	t.Parallel()
	x := loadToyXLora(t)
	h := tensor.Full(0.1, 2, 3, toy.Tiny().Hidden)
	s, err := x.Classifier.Scalings(h)
	if err != nil {
		t.Fatalf("Scalings: %v", err)
	}
	want := []int{2, 3, toy.Tiny().Layers, 2}
	if diff := cmp.Diff(want, s.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	for r := 0; r < len(s.Data); r += 2 {
		if sum := s.Data[r] + s.Data[r+1]; math.Abs(float64(sum)-1) > 1e-5 {
			t.Fatalf("scalings %d sum to %v", r/2, sum)
		}
	}
}

func TestClassifierNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  XLoraConfig
		in   []float32
		want []float32
	}{
		{"softmax", XLoraConfig{EnableSoftmax: true, SoftmaxTemperature: 1}, []float32{0, 0}, []float32{0.5, 0.5}},
		{"top1", XLoraConfig{EnableSoftmax: true, SoftmaxTemperature: 1, TopKLora: 1}, []float32{1, 3, 2}, []float32{0, 1, 0}},
		{"top2 raw", XLoraConfig{TopKLora: 2}, []float32{1, 3, 2}, []float32{0, 3, 2}},
		{"temperature", XLoraConfig{EnableSoftmax: true, SoftmaxTemperature: 1e-3}, []float32{1, 2}, []float32{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &Classifier{cfg: tt.cfg}
			got := append([]float32(nil), tt.in...)
			c.normalize(got)
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-5 {
					t.Fatalf("normalize(%v) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}
}

func TestLoraNames(t *testing.T) {
	t.Parallel()
	a, b := loraNames("math", "model.layers.0.self_attn.q_proj.weight")
	if a != "adapters.math.model.layers.0.self_attn.q_proj.lora_A.weight" {
		t.Errorf("A = %q", a)
	}
	if b != "adapters.math.model.layers.0.self_attn.q_proj.lora_B.weight" {
		t.Errorf("B = %q", b)
	}
}

func TestLastPositions(t *testing.T) {
	t.Parallel()
	// (batch 2, seq 4, 1 layer, 1 adapter), values encode the position.
	s, _ := tensor.FromData([]float32{0, 1, 2, 3, 10, 11, 12, 13}, 2, 4, 1, 1)
	got, err := lastPositions(s, []int{4, 3}, 2)
	if err != nil {
		t.Fatalf("lastPositions: %v", err)
	}
	if diff := cmp.Diff([]float32{2, 3, 11, 12}, got.Data); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if _, err := lastPositions(s, []int{4, 4}, 5); err == nil {
		t.Fatal("took more positions than available")
	}
}

func TestParseOrdering(t *testing.T) {
	t.Parallel()
	if _, err := ParseOrdering([]byte(`{"order": []}`)); err == nil {
		t.Error("empty ordering accepted")
	}
	if _, err := ParseOrdering([]byte(`{"order": ["a", "a"]}`)); err == nil {
		t.Error("duplicate adapter accepted")
	}
	o, err := ParseOrdering([]byte(`{"order": ["a", "b"], "base_model_id": "m"}`))
	if err != nil || len(o.Adapters) != 2 || o.BaseModelID != "m" {
		t.Fatalf("ParseOrdering = %+v, %v", o, err)
	}
}
