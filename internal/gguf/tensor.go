package gguf

import (
	"fmt"

	"github.com/samcharles93/weave/internal/quant"
)

// TensorByName returns the tensor info for the given name.
func (f *File) TensorByName(name string) (TensorInfo, bool) {
	i, ok := f.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// ReadTensorRaw reads the encoded payload of a tensor.
func (f *File) ReadTensorRaw(name string) ([]byte, TensorInfo, error) {
	info, ok := f.TensorByName(name)
	if !ok {
		return nil, info, fmt.Errorf("tensor not found: %s", name)
	}
	n, err := tensorElements(info.Dims)
	if err != nil {
		return nil, info, fmt.Errorf("tensor %s: %w", name, err)
	}
	byteSize, err := quant.ByteSize(info.Type, n)
	if err != nil {
		return nil, info, fmt.Errorf("tensor %s: %w", name, err)
	}
	off := int64(f.DataOffset + info.Offset)
	buf := make([]byte, byteSize)
	if _, err := f.r.ReadAt(buf, off); err != nil {
		return nil, info, fmt.Errorf("read tensor %s at offset %d: %w", name, off, err)
	}
	return buf, info, nil
}

// ReadTensorF32 loads a tensor by name and dequantizes it.
func (f *File) ReadTensorF32(name string) ([]float32, []uint64, error) {
	buf, info, err := f.ReadTensorRaw(name)
	if err != nil {
		return nil, nil, err
	}
	n, _ := tensorElements(info.Dims)
	out, err := quant.Dequantize(info.Type, buf, n)
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info.Dims, nil
}

// ReadMatrix loads a 2-D tensor keeping its block encoding. GGUF stores dims
// innermost first, so dims[0] is the column count.
func (f *File) ReadMatrix(name string) (*quant.Matrix, error) {
	buf, info, err := f.ReadTensorRaw(name)
	if err != nil {
		return nil, err
	}
	if len(info.Dims) != 2 {
		return nil, fmt.Errorf("tensor %s: expected 2 dims, got %v", name, info.Dims)
	}
	return quant.NewMatrix(name, info.Type, int(info.Dims[1]), int(info.Dims[0]), buf)
}

func tensorElements(dims []uint64) (int, error) {
	if len(dims) == 0 {
		return 0, fmt.Errorf("empty dims")
	}
	var n uint64 = 1
	for _, d := range dims {
		if d == 0 {
			return 0, fmt.Errorf("zero dimension")
		}
		n *= d
	}
	if n > uint64(^uint(0)>>1) {
		return 0, fmt.Errorf("tensor too large")
	}
	return int(n), nil
}
