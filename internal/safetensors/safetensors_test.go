package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/weave/internal/tensor"
)

// writeRaw creates a safetensors file from a header document and payload.
func writeRaw(t *testing.T, path string, header map[string]any, payload []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	buf = append(buf, payload...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func tensorDoc(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func openTemp(t *testing.T, header map[string]any, payload []byte) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, header, payload)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{"weight": tensorDoc("F32", []int{2, 3}, 0, 24)}, make([]byte, 24))

	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor, got %d", len(f.Tensors))
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if info.DType != "F32" {
		t.Fatalf("expected dtype F32, got %q", info.DType)
	}
	if diff := cmp.Diff([]int{2, 3}, info.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		write func(t *testing.T, path string)
	}{
		{
			name: "truncated",
			write: func(t *testing.T, path string) {
				if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "header-overrun",
			write: func(t *testing.T, path string) {
				buf := binary.LittleEndian.AppendUint64(nil, 1<<20)
				if err := os.WriteFile(path, append(buf, '{', '}'), 0o644); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "invalid-json",
			write: func(t *testing.T, path string) {
				buf := binary.LittleEndian.AppendUint64(nil, 12)
				if err := os.WriteFile(path, append(buf, []byte("not valid js")...), 0o644); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "short-offsets",
			write: func(t *testing.T, path string) {
				writeRaw(t, path, map[string]any{"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}}}, nil)
			},
		},
		{
			name: "offsets-past-eof",
			write: func(t *testing.T, path string) {
				writeRaw(t, path, map[string]any{"bad": tensorDoc("F32", []int{4}, 0, 16)}, make([]byte, 8))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.name+".safetensors")
			tc.write(t, path)
			if _, err := Open(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestMetadataParsed(t *testing.T) {
	t.Parallel()
	f := openTemp(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      tensorDoc("F32", []int{4}, 0, 16),
	}, make([]byte, 16))

	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", len(f.Tensors))
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
}

func TestLoadDTypes(t *testing.T) {
	t.Parallel()

	f32 := make([]byte, 16)
	for i, v := range []float32{1, 2, 3, 4} {
		binary.LittleEndian.PutUint32(f32[i*4:], math.Float32bits(v))
	}
	bf16 := binary.LittleEndian.AppendUint16(nil, 0x3F80)
	bf16 = binary.LittleEndian.AppendUint16(bf16, 0x4000)
	f16 := binary.LittleEndian.AppendUint16(nil, 0x3C00)

	cases := []struct {
		name    string
		dtype   string
		shape   []int
		payload []byte
		want    []float32
	}{
		{"f32", "F32", []int{2, 2}, f32, []float32{1, 2, 3, 4}},
		{"bf16", "BF16", []int{2}, bf16, []float32{1, 2}},
		{"f16", "F16", []int{1}, f16, []float32{1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := openTemp(t, map[string]any{"test": tensorDoc(tc.dtype, tc.shape, 0, int64(len(tc.payload)))}, tc.payload)
			got, err := f.Load("test")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(tc.shape, got.Shape); diff != "" {
				t.Fatalf("shape mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.want, got.Data); diff != "" {
				t.Fatalf("data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	f := openTemp(t, map[string]any{
		"ints":     tensorDoc("I32", []int{2}, 0, 8),
		"mismatch": tensorDoc("F32", []int{4}, 8, 16),
	}, make([]byte, 16))

	if _, err := f.Load("ints"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
	if _, err := f.Load("mismatch"); err == nil {
		t.Fatal("expected error for size mismatch")
	}
	if _, err := f.Load("nonexistent"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestArchiveAdaptersAndShadowing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	base := filepath.Join(dir, "base.safetensors")
	over := filepath.Join(dir, "over.safetensors")
	adapter := filepath.Join(dir, "adapter.safetensors")

	one, _ := tensor.FromData([]float32{1}, 1)
	two, _ := tensor.FromData([]float32{2}, 1)
	three, _ := tensor.FromData([]float32{3, 3}, 2)
	if err := Write(base, map[string]*tensor.Tensor{"w": one, "only_base": one}); err != nil {
		t.Fatal(err)
	}
	if err := Write(over, map[string]*tensor.Tensor{"w": two}); err != nil {
		t.Fatal(err)
	}
	if err := Write(adapter, map[string]*tensor.Tensor{"base_model.model.layers.0.q.lora_A.weight": three}); err != nil {
		t.Fatal(err)
	}

	a, err := OpenArchive(base, over)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer func() { _ = a.Close() }()
	if err := a.AddAdapter("math", adapter); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	w, err := a.Load("w")
	if err != nil || w.Data[0] != 2 {
		t.Fatalf("expected later file to shadow, got %v, %v", w, err)
	}
	name := "adapters.math.layers.0.q.lora_A.weight"
	if !a.Has(name) {
		t.Fatalf("adapter tensor missing; names=%v", a.Names(""))
	}
	if shape, ok := a.Shape(name); !ok || shape[0] != 2 {
		t.Fatalf("adapter shape = %v, %v", shape, ok)
	}
	if got := a.Names("adapters."); len(got) != 1 {
		t.Fatalf("Names(adapters.) = %v", got)
	}
	if a.Len() != 3 {
		t.Fatalf("Len = %d", a.Len())
	}
}

func TestShardsFromIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	idx := filepath.Join(dir, "model.safetensors.index.json")
	doc := `{"metadata":{},"weight_map":{"a":"model-00002-of-00002.safetensors","b":"model-00001-of-00002.safetensors","c":"model-00001-of-00002.safetensors"}}`
	if err := os.WriteFile(idx, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ShardsFromIndex(idx)
	if err != nil {
		t.Fatalf("ShardsFromIndex: %v", err)
	}
	want := []string{
		filepath.Join(dir, "model-00001-of-00002.safetensors"),
		filepath.Join(dir, "model-00002-of-00002.safetensors"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("shards mismatch (-want +got):\n%s", diff)
	}
}
