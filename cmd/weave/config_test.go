package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type setFlags map[string]bool

func (s setFlags) IsSet(name string) bool { return s[name] }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
models_dir: /models
device: cpu
temperature: 0.2
top_k: 8
no_kv_cache: true
log_format: json
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ModelsDir != "/models" || cfg.Device != "cpu" || cfg.LogFormat != "json" {
		t.Errorf("strings = %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.2 || cfg.TopK == nil || *cfg.TopK != 8 {
		t.Errorf("sampling = %v %v", cfg.Temperature, cfg.TopK)
	}
	if cfg.NoKVCache == nil || !*cfg.NoKVCache || cfg.Seed != nil {
		t.Errorf("pointers = %v %v", cfg.NoKVCache, cfg.Seed)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing explicit file: want error")
	}
	if _, err := LoadConfig(writeConfig(t, "top_k: [1")); err == nil {
		t.Error("bad yaml: want error")
	}
}

func TestApplyRunConfig(t *testing.T) {
	t.Parallel()
	temp, seed := 0.1, int64(9)
	noCache := true
	cfg := Config{ModelsDir: "/models", Device: "cpu", Kind: "gguf", Temperature: &temp, Seed: &seed, NoKVCache: &noCache}

	o := runOptions{modelsDir: ".", device: "auto", kind: "normal", temp: 0.8, seed: -1}
	applyRunConfig(setFlags{"device": true, "seed": true}, cfg, &o)

	want := runOptions{modelsDir: "/models", device: "auto", kind: "gguf", temp: 0.1, seed: -1, noKVCache: true}
	if diff := cmp.Diff(want, o, cmp.AllowUnexported(runOptions{})); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}
}
