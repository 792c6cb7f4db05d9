package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the numeric precision weights are stored and computed in.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size is the element size in bytes.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

// ParseDType accepts the common spellings used by config files and flags.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32":
		return F32, nil
	case "f16", "float16", "fp16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q (expected f32, f16, or bf16)", s)
	}
}

// Decode converts little-endian raw bytes of the given dtype to float32.
func Decode(raw []byte, dtype DType) ([]float32, error) {
	if len(raw)%dtype.Size() != 0 {
		return nil, fmt.Errorf("decode %s: %d bytes is not a multiple of %d", dtype, len(raw), dtype.Size())
	}
	switch dtype {
	case F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("decode: unsupported dtype %s", dtype)
	}
}

// Round quantizes values in place to the precision of dtype while keeping
// float32 storage.
func Round(x []float32, dtype DType) {
	switch dtype {
	case F16:
		for i, v := range x {
			x[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		for i, v := range x {
			x[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	}
}
