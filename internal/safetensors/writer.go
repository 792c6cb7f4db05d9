package safetensors

import (
	"bufio"
	"encoding/binary"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weave/internal/tensor"
)

// Write stores float32 tensors as an F32 safetensors file. Tensors are laid
// out in sorted name order.
func Write(path string, tensors map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]tensorHeader, len(names))
	var off int64
	for _, name := range names {
		t := tensors[name]
		end := off + int64(len(t.Data))*4
		header[name] = tensorHeader{DType: "F32", Shape: t.Shape, DataOffsets: []int64{off, end}}
		off = end
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	_ = binary.Write(w, binary.LittleEndian, uint64(len(hb)))
	_, _ = w.Write(hb)
	var buf [4]byte
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			_, _ = w.Write(buf[:])
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
