package ggml

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
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

func testHParams() HParams {
	return HParams{NVocab: 2, NEmbd: 4, NMult: 1, NHead: 2, NLayer: 1, NRot: 2}
}

func testVocab() []VocabEntry {
	return []VocabEntry{{Token: []byte("<s>"), Score: 0}, {Token: []byte("hi"), Score: -1.5}}
}

func writeFile(t *testing.T, magic Magic, version uint32, tensors []WriteTensor) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, magic, version, testHParams(), testVocab(), tensors); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestReadAllMagics(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		magic   Magic
		version uint32
	}{
		{"ggml", MagicGGML, 0},
		{"ggmf-v1", MagicGGMF, 1},
		{"ggjt-v1", MagicGGJT, 1},
		{"ggjt-v3", MagicGGJT, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.magic, tc.version, []WriteTensor{
				{Name: "norm.weight", Dims: []int{4}, Type: quant.TypeF32, Data: f32Bytes(1, 2, 3, 4)},
				{Name: "output.weight", Dims: []int{4, 2}, Type: quant.TypeF32, Data: f32Bytes(1, 0, 0, 0, 0, 1, 0, 0)},
			})
			f, err := Open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer func() { _ = f.Close() }()

			if f.Magic != tc.magic || f.HParams.NEmbd != 4 || len(f.Vocab) != 2 {
				t.Fatalf("unexpected header: %v %+v vocab=%d", f.Magic, f.HParams, len(f.Vocab))
			}
			if string(f.Vocab[1].Token) != "hi" {
				t.Fatalf("vocab[1] = %q", f.Vocab[1].Token)
			}
			if f.Versioned() && f.Vocab[1].Score != -1.5 {
				t.Fatalf("vocab score = %v", f.Vocab[1].Score)
			}
			if tc.magic == MagicGGJT {
				for _, ti := range f.Tensors {
					if ti.Offset%tensorAlignment != 0 {
						t.Fatalf("tensor %s offset %d not aligned", ti.Name, ti.Offset)
					}
				}
			}
			norm, _, err := f.ReadTensorF32("norm.weight")
			if err != nil {
				t.Fatalf("read norm: %v", err)
			}
			if norm[3] != 4 {
				t.Fatalf("norm = %v", norm)
			}
			m, err := f.ReadMatrix("output.weight")
			if err != nil {
				t.Fatalf("read matrix: %v", err)
			}
			if m.Rows != 2 || m.Cols != 4 {
				t.Fatalf("matrix dims %dx%d", m.Rows, m.Cols)
			}
		})
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	t.Parallel()

	data := []byte("GGUF\x03\x00\x00\x00")
	if _, err := Read(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	data := binary.LittleEndian.AppendUint32(nil, uint32(MagicGGJT))
	data = binary.LittleEndian.AppendUint32(data, 9)
	if _, err := Read(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestQuantizedRequiresGGJTv3(t *testing.T) {
	t.Parallel()

	block := make([]byte, 34)
	var buf bytes.Buffer
	err := Write(&buf, MagicGGJT, 2, testHParams(), testVocab(), []WriteTensor{
		{Name: "w", Dims: []int{32, 1}, Type: quant.TypeQ8_0, Data: block},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(bytes.NewReader(buf.Bytes()), int64(buf.Len())); !errors.Is(err, quant.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := Write(&buf, MagicGGJT, 3, testHParams(), testVocab(), []WriteTensor{
		{Name: "w", Dims: []int{4}, Type: quant.TypeF32, Data: f32Bytes(1, 2, 3, 4)},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data := buf.Bytes()[:buf.Len()-4]
	if _, err := Read(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}
