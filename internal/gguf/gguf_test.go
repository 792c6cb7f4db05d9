package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/weave/internal/quant"
)

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func writeTestFile(t *testing.T, kvs []KV, tensors []WriteTensor) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, kvs, tensors); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t,
		[]KV{
			{Key: "general.architecture", Value: "llama"},
			{Key: "llama.block_count", Value: uint32(2)},
			{Key: "llama.attention.layer_norm_rms_epsilon", Value: float32(1e-5)},
			{Key: "tokenizer.ggml.tokens", Value: []string{"<s>", "</s>"}},
		},
		[]WriteTensor{
			{Name: "norm", Dims: []uint64{3}, Type: quant.TypeF32, Data: f32Bytes(1, 2, 3)},
			{Name: "w", Dims: []uint64{2, 2}, Type: quant.TypeF32, Data: f32Bytes(1, 0, 0, 1)},
		},
	)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.Version != 3 || f.Header.TensorCount != 2 {
		t.Fatalf("unexpected header %+v", f.Header)
	}
	if f.Architecture() != "llama" {
		t.Fatalf("architecture = %q", f.Architecture())
	}
	if n, ok := f.KV.Int("llama.block_count"); !ok || n != 2 {
		t.Fatalf("block_count = %d, %v", n, ok)
	}
	if eps, ok := f.KV.Float("llama.attention.layer_norm_rms_epsilon"); !ok || math.Abs(eps-1e-5) > 1e-9 {
		t.Fatalf("eps = %v, %v", eps, ok)
	}
	toks, ok := Array[string](f.KV, "tokenizer.ggml.tokens")
	if !ok || len(toks) != 2 || toks[1] != "</s>" {
		t.Fatalf("tokens = %v, %v", toks, ok)
	}

	norm, dims, err := f.ReadTensorF32("norm")
	if err != nil {
		t.Fatalf("read norm: %v", err)
	}
	if len(dims) != 1 || norm[2] != 3 {
		t.Fatalf("norm = %v dims %v", norm, dims)
	}

	m, err := f.ReadMatrix("w")
	if err != nil {
		t.Fatalf("read matrix: %v", err)
	}
	if m.Rows != 2 || m.Cols != 2 {
		t.Fatalf("matrix dims %dx%d", m.Rows, m.Cols)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.gguf")
	if err := os.WriteFile(path, []byte("GGML\x03\x00\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadRejectsVersion1(t *testing.T) {
	t.Parallel()

	data := append([]byte(magicGGUF), 1, 0, 0, 0)
	data = binary.LittleEndian.AppendUint64(data, 0)
	data = binary.LittleEndian.AppendUint64(data, 0)
	if _, err := Read(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestReadTruncatedTensorTable(t *testing.T) {
	t.Parallel()

	data := append([]byte(magicGGUF), 3, 0, 0, 0)
	data = binary.LittleEndian.AppendUint64(data, 1)
	data = binary.LittleEndian.AppendUint64(data, 0)
	if _, err := Read(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatalf("expected error for missing tensor table")
	}
}

func TestMissingTensor(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, nil, nil)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.ReadMatrix("missing"); err == nil {
		t.Fatalf("expected error for missing tensor")
	}
}

func TestReadTruncatedMetadata(t *testing.T) {
	t.Parallel()

	data := append([]byte(magicGGUF), 3, 0, 0, 0)
	data = binary.LittleEndian.AppendUint64(data, 0)
	data = binary.LittleEndian.AppendUint64(data, 1)
	data = binary.LittleEndian.AppendUint64(data, 3)
	data = append(data, "gen"...)
	data = binary.LittleEndian.AppendUint32(data, uint32(TypeUint32))
	_, err := Read(bytes.NewReader(data), int64(len(data)))
	if err == nil || !strings.Contains(err.Error(), `metadata "gen"`) {
		t.Fatalf("err = %v, want metadata error", err)
	}
}

func TestReadNestedArray(t *testing.T) {
	t.Parallel()

	data := append([]byte(magicGGUF), 3, 0, 0, 0)
	data = binary.LittleEndian.AppendUint64(data, 0)
	data = binary.LittleEndian.AppendUint64(data, 1)
	data = binary.LittleEndian.AppendUint64(data, 1)
	data = append(data, 'k')
	data = binary.LittleEndian.AppendUint32(data, uint32(TypeArray))
	data = binary.LittleEndian.AppendUint32(data, uint32(TypeArray))
	data = binary.LittleEndian.AppendUint64(data, 1)
	data = binary.LittleEndian.AppendUint32(data, uint32(TypeUint8))
	data = binary.LittleEndian.AppendUint64(data, 2)
	data = append(data, 4, 5)
	f, err := Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	outer, ok := f.KV["k"].Value.(ArrayValue)
	if !ok || len(outer.Values) != 1 {
		t.Fatalf("outer = %#v", f.KV["k"].Value)
	}
	inner := outer.Values[0].(ArrayValue)
	if inner.ElemType != TypeUint8 || inner.Values[1] != uint8(5) {
		t.Errorf("inner = %#v", inner)
	}
}
