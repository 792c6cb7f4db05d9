package quant

import (
	"errors"
	"fmt"
)

var ErrUnsupportedType = errors.New("unsupported tensor type")

// Type is the ggml tensor element type shared by GGUF and the legacy GGML
// containers.
type Type uint32

const (
	TypeF32  Type = 0
	TypeF16  Type = 1
	TypeQ4_0 Type = 2
	TypeQ4_1 Type = 3
	TypeQ5_0 Type = 6
	TypeQ5_1 Type = 7
	TypeQ8_0 Type = 8
	TypeQ8_1 Type = 9
	TypeQ2_K Type = 10
	TypeQ3_K Type = 11
	TypeQ4_K Type = 12
	TypeQ5_K Type = 13
	TypeQ6_K Type = 14
	TypeQ8_K Type = 15
	TypeBF16 Type = 30
)

var typeNames = map[Type]string{
	TypeF32:  "F32",
	TypeF16:  "F16",
	TypeQ4_0: "Q4_0",
	TypeQ4_1: "Q4_1",
	TypeQ5_0: "Q5_0",
	TypeQ5_1: "Q5_1",
	TypeQ8_0: "Q8_0",
	TypeQ8_1: "Q8_1",
	TypeQ2_K: "Q2_K",
	TypeQ3_K: "Q3_K",
	TypeQ4_K: "Q4_K",
	TypeQ5_K: "Q5_K",
	TypeQ6_K: "Q6_K",
	TypeQ8_K: "Q8_K",
	TypeBF16: "BF16",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

const (
	QK4_0 = 32
	QK4_1 = 32
	QK5_0 = 32
	QK5_1 = 32
	QK8_0 = 32
	QK_K  = 256
)

// block describes how many elements a block holds and its encoded size.
type block struct {
	elems, bytes int
}

var blocks = map[Type]block{
	TypeF32:  {1, 4},
	TypeF16:  {1, 2},
	TypeBF16: {1, 2},
	TypeQ4_0: {QK4_0, 2 + QK4_0/2},
	TypeQ4_1: {QK4_1, 2 + 2 + QK4_1/2},
	TypeQ5_0: {QK5_0, 2 + 4 + QK5_0/2},
	TypeQ5_1: {QK5_1, 2 + 2 + 4 + QK5_1/2},
	TypeQ8_0: {QK8_0, 2 + QK8_0},
	TypeQ4_K: {QK_K, 2 + 2 + 12 + QK_K/2},
	TypeQ6_K: {QK_K, QK_K/2 + QK_K/4 + QK_K/16 + 2},
}

// Supported reports whether t can be dequantized.
func Supported(t Type) bool {
	_, ok := blocks[t]
	return ok
}

// BlockElems is the number of values encoded by one block of t.
func BlockElems(t Type) (int, error) {
	b, ok := blocks[t]
	if !ok {
		return 0, fmt.Errorf("%s: %w", t, ErrUnsupportedType)
	}
	return b.elems, nil
}

// ByteSize returns the encoded size of n elements of type t.
func ByteSize(t Type, n int) (int, error) {
	b, ok := blocks[t]
	if !ok {
		return 0, fmt.Errorf("%s: %w", t, ErrUnsupportedType)
	}
	if n%b.elems != 0 {
		return 0, fmt.Errorf("%s: %d elements is not a multiple of block size %d", t, n, b.elems)
	}
	return n / b.elems * b.bytes, nil
}
