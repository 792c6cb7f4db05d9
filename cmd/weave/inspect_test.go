package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/weave/internal/toy"
)

func TestInspectFile(t *testing.T) {
	t.Parallel()
	root := toyModels(t)
	base := filepath.Join(root, toy.BaseRepo)
	tests := []struct {
		file string
		want []string
	}{
		{file: toy.GGUFFile, want: []string{"GGUF v3", "general.architecture", "token_embd.weight"}},
		{file: toy.GGMLFile, want: []string{"ggjt v3", "n_vocab=32", "tok_embeddings.weight"}},
		{file: "model-00001-of-00002.safetensors", want: []string{"safetensors | tensors=", "model.embed_tokens.weight"}},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			if err := inspectFile(&buf, filepath.Join(base, tt.file), inspectOptions{tensorLimit: -1}); err != nil {
				t.Fatalf("inspectFile: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output lacks %q:\n%s", w, buf.String())
				}
			}
		})
	}
}

func TestInspectFilterAndLimit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(toyModels(t), toy.BaseRepo, "model-00002-of-00002.safetensors")
	var buf bytes.Buffer
	if err := inspectFile(&buf, path, inspectOptions{tensorLimit: 1, filter: "layers.0."}); err != nil {
		t.Fatalf("inspectFile: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "more") || strings.Contains(out, "layers.1.") {
		t.Errorf("unexpected listing:\n%s", out)
	}
}

func TestInspectRejectsUnknown(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "x.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := inspectFile(&bytes.Buffer{}, path, inspectOptions{}); err == nil {
		t.Error("want error")
	}
}
