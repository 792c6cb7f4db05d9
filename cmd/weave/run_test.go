package main

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/weave/internal/toy"
)

func toyModels(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := toy.WriteRepo(root, toy.Tiny()); err != nil {
		t.Fatalf("WriteRepo: %v", err)
	}
	return root
}

func baseOptions(root string) runOptions {
	return runOptions{
		modelsDir:     root,
		modelID:       toy.BaseRepo,
		kind:          "normal",
		token:         "none",
		device:        "cpu",
		gqa:           1,
		steps:         2,
		temp:          0,
		repeatPenalty: 1,
		repeatLastN:   64,
		seed:          1,
	}
}

func TestParseTokenIDs(t *testing.T) {
	t.Parallel()
	ids, err := parseTokenIDs(" 1, 5,6 ")
	if err != nil {
		t.Fatalf("parseTokenIDs: %v", err)
	}
	if diff := cmp.Diff([]int{1, 5, 6}, ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	if ids, err := parseTokenIDs(""); ids != nil || err != nil {
		t.Errorf("empty = %v, %v", ids, err)
	}
	for _, bad := range []string{"1,x", "-3", "1,,2"} {
		if _, err := parseTokenIDs(bad); err == nil {
			t.Errorf("%q: want error", bad)
		}
	}
}

func TestRunKinds(t *testing.T) {
	t.Parallel()
	root := toyModels(t)
	tests := []struct {
		name string
		edit func(*runOptions)
	}{
		{name: "prompt", edit: func(o *runOptions) { o.prompt = "he a" }},
		{name: "token ids", edit: func(o *runOptions) { o.tokens = "1,5,6" }},
		{name: "gguf", edit: func(o *runOptions) { o.kind, o.quantizedFile, o.prompt = "gguf", toy.GGUFFile, "ab" }},
		{name: "ggml", edit: func(o *runOptions) {
			o.kind, o.quantizedFile, o.gqa, o.prompt = "ggml", toy.GGMLFile, int64(toy.Tiny().GQA()), "ab"
		}},
		{name: "xlora", edit: func(o *runOptions) { o.kind, o.xloraID, o.prompt = "xlora-normal", toy.XLoraRepo, "ab" }},
		{name: "no cache", edit: func(o *runOptions) { o.noKVCache, o.prompt = true, "ab" }},
		{name: "chat", edit: func(o *runOptions) { o.chat, o.system, o.prompt = true, "be brief", "ab" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := baseOptions(root)
			tt.edit(&o)
			if err := run(context.Background(), setFlags{"temp": true}, o); err != nil {
				t.Fatalf("run: %v", err)
			}
		})
	}
}

func TestRunVision(t *testing.T) {
	t.Parallel()
	root := toyModels(t)
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	img.Set(0, 0, color.White)
	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	o := baseOptions(root)
	o.modelID = toy.VisionRepo
	o.prompt = "<image><image><image><image> a"
	o.images = []string{path}
	if err := run(context.Background(), setFlags{"temp": true}, o); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The chat format expands the image placeholders itself.
	o.prompt, o.chat = "a", true
	if err := run(context.Background(), setFlags{"temp": true}, o); err != nil {
		t.Fatalf("chat run: %v", err)
	}
}

func TestRunErrors(t *testing.T) {
	t.Parallel()
	root := toyModels(t)
	tests := []struct {
		name string
		edit func(*runOptions)
	}{
		{name: "no model", edit: func(o *runOptions) { o.modelID = "" }},
		{name: "bad kind", edit: func(o *runOptions) { o.kind = "onnx" }},
		{name: "bad device", edit: func(o *runOptions) { o.device = "tpu" }},
		{name: "bad dtype", edit: func(o *runOptions) { o.dtype = "q3" }},
		{name: "bad token source", edit: func(o *runOptions) { o.token = "vault:x" }},
		{name: "missing repo", edit: func(o *runOptions) { o.modelID = "toy/none" }},
		{name: "missing image", edit: func(o *runOptions) { o.images = []string{filepath.Join(root, "nope.png")} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := baseOptions(root)
			o.prompt = "a"
			tt.edit(&o)
			if err := run(context.Background(), setFlags{}, o); err == nil {
				t.Fatal("want error")
			}
		})
	}
}
