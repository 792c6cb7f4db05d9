package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/samcharles93/weave/internal/quant"
)

// decoder reads little-endian fields sequentially. The first failure is
// kept in err, annotated with its offset, and turns every later read into a
// no-op returning zero values.
type decoder struct {
	r       *bufio.Reader
	off     int64
	size    int64
	err     error
	scratch [8]byte
}

func newDecoder(r io.Reader, size int64) *decoder {
	return &decoder{r: bufio.NewReaderSize(r, 1<<16), size: size}
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("offset %d: %s", d.off, fmt.Sprintf(format, args...))
	}
}

// take returns the next n bytes. Reads of up to 8 bytes share a scratch
// buffer that the next read overwrites.
func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+int64(n) > d.size {
		d.err = fmt.Errorf("offset %d: need %d bytes: %w", d.off, n, io.ErrUnexpectedEOF)
		return nil
	}
	buf := d.scratch[:]
	if n > len(buf) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = fmt.Errorf("offset %d: %w", d.off, err)
		return nil
	}
	d.off += int64(n)
	return buf
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// count reads a u64 length and rejects values no file of this size holds.
func (d *decoder) count(what string) uint64 {
	n := d.u64()
	if d.err == nil && n > uint64(d.size) {
		d.fail("%s length %d exceeds file size", what, n)
		return 0
	}
	return n
}

func (d *decoder) str() string {
	n := d.count("string")
	if n == 0 {
		return ""
	}
	return string(d.take(int(n)))
}

func (d *decoder) value(t ValueType) any {
	switch t {
	case TypeUint8:
		return d.u8()
	case TypeInt8:
		return int8(d.u8())
	case TypeUint16:
		return d.u16()
	case TypeInt16:
		return int16(d.u16())
	case TypeUint32:
		return d.u32()
	case TypeInt32:
		return int32(d.u32())
	case TypeUint64:
		return d.u64()
	case TypeInt64:
		return int64(d.u64())
	case TypeFloat32:
		return math.Float32frombits(d.u32())
	case TypeFloat64:
		return math.Float64frombits(d.u64())
	case TypeBool:
		return d.u8() != 0
	case TypeString:
		return d.str()
	case TypeArray:
		elem := ValueType(d.u32())
		n := d.count("array")
		if d.err != nil {
			return nil
		}
		vals := make([]any, 0, n)
		for range n {
			v := d.value(elem)
			if d.err != nil {
				return nil
			}
			vals = append(vals, v)
		}
		return ArrayValue{ElemType: elem, Values: vals}
	default:
		d.fail("unsupported value type %d", uint32(t))
		return nil
	}
}

func (d *decoder) metadata(n uint64) Metadata {
	md := make(Metadata, min(n, 1<<16))
	for range n {
		key := d.str()
		t := ValueType(d.u32())
		v := d.value(t)
		if d.err != nil {
			d.err = fmt.Errorf("metadata %q: %w", key, d.err)
			return nil
		}
		md[key] = Value{Type: t, Value: v}
	}
	return md
}

func (d *decoder) tensorInfos(n uint64) []TensorInfo {
	infos := make([]TensorInfo, 0, min(n, 1<<16))
	for range n {
		ti := TensorInfo{Name: d.str()}
		nDims := d.u32()
		if d.err == nil && nDims > maxDims {
			d.fail("tensor %s: %d dims exceeds %d", ti.Name, nDims, maxDims)
		}
		if d.err != nil {
			return nil
		}
		ti.Dims = make([]uint64, nDims)
		for i := range ti.Dims {
			ti.Dims[i] = d.u64()
		}
		ti.Type = quant.Type(d.u32())
		ti.Offset = d.u64()
		if d.err != nil {
			d.err = fmt.Errorf("tensor %q: %w", ti.Name, d.err)
			return nil
		}
		infos = append(infos, ti)
	}
	return infos
}
