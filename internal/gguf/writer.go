package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/samcharles93/weave/internal/quant"
)

// KV is one metadata entry in write order.
type KV struct {
	Key   string
	Value any
}

// WriteTensor is a tensor payload to be written. Dims are innermost first.
type WriteTensor struct {
	Name string
	Dims []uint64
	Type quant.Type
	Data []byte
}

// Write encodes a version 3 GGUF container with the default alignment.
func Write(w io.Writer, kvs []KV, tensors []WriteTensor) error {
	const alignment = 32
	bw := bufio.NewWriter(w)
	ew := &encoder{w: bw}

	ew.raw([]byte(magicGGUF))
	ew.u32(3)
	ew.u64(uint64(len(tensors)))
	ew.u64(uint64(len(kvs)))
	for _, kv := range kvs {
		ew.str(kv.Key)
		if err := ew.value(kv.Value); err != nil {
			return fmt.Errorf("gguf write %s: %w", kv.Key, err)
		}
	}

	var offset uint64
	for _, t := range tensors {
		ew.str(t.Name)
		ew.u32(uint32(len(t.Dims)))
		for _, d := range t.Dims {
			ew.u64(d)
		}
		ew.u32(uint32(t.Type))
		ew.u64(offset)
		offset = align(offset+uint64(len(t.Data)), alignment)
	}
	ew.pad(alignment)
	for _, t := range tensors {
		ew.raw(t.Data)
		ew.pad(alignment)
	}
	if ew.err != nil {
		return ew.err
	}
	return bw.Flush()
}

type encoder struct {
	w   io.Writer
	n   uint64
	err error
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	n, err := e.w.Write(b)
	e.n += uint64(n)
	e.err = err
}

func (e *encoder) u32(v uint32) { e.raw(binary.LittleEndian.AppendUint32(nil, v)) }
func (e *encoder) u64(v uint64) { e.raw(binary.LittleEndian.AppendUint64(nil, v)) }

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.raw([]byte(s))
}

func (e *encoder) pad(alignment uint64) {
	if rem := align(e.n, alignment) - e.n; rem > 0 {
		e.raw(make([]byte, rem))
	}
}

func (e *encoder) value(v any) error {
	switch t := v.(type) {
	case uint32:
		e.u32(uint32(TypeUint32))
		e.u32(t)
	case int32:
		e.u32(uint32(TypeInt32))
		e.u32(uint32(t))
	case uint64:
		e.u32(uint32(TypeUint64))
		e.u64(t)
	case float32:
		e.u32(uint32(TypeFloat32))
		e.u32(math.Float32bits(t))
	case bool:
		e.u32(uint32(TypeBool))
		if t {
			e.raw([]byte{1})
		} else {
			e.raw([]byte{0})
		}
	case string:
		e.u32(uint32(TypeString))
		e.str(t)
	case []string:
		e.u32(uint32(TypeArray))
		e.u32(uint32(TypeString))
		e.u64(uint64(len(t)))
		for _, s := range t {
			e.str(s)
		}
	case []float32:
		e.u32(uint32(TypeArray))
		e.u32(uint32(TypeFloat32))
		e.u64(uint64(len(t)))
		for _, f := range t {
			e.u32(math.Float32bits(f))
		}
	case []int32:
		e.u32(uint32(TypeArray))
		e.u32(uint32(TypeInt32))
		e.u64(uint64(len(t)))
		for _, i := range t {
			e.u32(uint32(i))
		}
	default:
		return fmt.Errorf("unsupported metadata type %T", v)
	}
	return nil
}
