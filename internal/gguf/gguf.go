package gguf

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/samcharles93/weave/internal/quant"
)

const (
	magicGGUF        = "GGUF"
	defaultAlignment = 32
	maxDims          = 4
)

var (
	ErrBadMagic   = errors.New("gguf: bad magic")
	ErrBadVersion = errors.New("gguf: unsupported version")
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

var valueTypeNames = [...]string{"u8", "i8", "u16", "i16", "u32", "i32", "f32", "bool", "string", "array", "u64", "i64", "f64"}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

type Value struct {
	Type  ValueType
	Value any
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   quant.Type
	Offset uint64
}

// Elements is the product of all dims.
func (t TensorInfo) Elements() (int, error) {
	return tensorElements(t.Dims)
}

// File is a parsed GGUF container. Tensor payloads are read on demand from
// the underlying file handle.
type File struct {
	Path       string
	Header     Header
	KV         Metadata
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64

	r     io.ReaderAt
	close func() error
	index map[string]int
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	gf, err := Read(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	gf.Path = path
	gf.close = f.Close
	return gf, nil
}

// Read parses the header, metadata and tensor table from r.
func Read(r io.ReaderAt, size int64) (*File, error) {
	d := newDecoder(io.NewSectionReader(r, 0, size), size)

	magic := string(d.take(len(magicGGUF)))
	if d.err != nil {
		return nil, fmt.Errorf("read magic: %w", d.err)
	}
	if magic != magicGGUF {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, magic)
	}
	h := Header{Version: d.u32()}
	if d.err == nil && (h.Version < 2 || h.Version > 3) {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	h.TensorCount = d.u64()
	h.KVCount = d.u64()
	md := d.metadata(h.KVCount)
	infos := d.tensorInfos(h.TensorCount)
	if d.err != nil {
		return nil, d.err
	}

	f := &File{
		Header:    h,
		KV:        md,
		Tensors:   infos,
		Alignment: defaultAlignment,
		r:         r,
		index:     make(map[string]int, len(infos)),
	}
	if a, ok := md.Uint("general.alignment"); ok && a > 0 {
		f.Alignment = a
	}
	f.DataOffset = align(uint64(d.off), f.Alignment)
	for i, t := range infos {
		if _, dup := f.index[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tensor %q", t.Name)
		}
		f.index[t.Name] = i
	}
	return f, nil
}

func (f *File) Close() error {
	if f.close != nil {
		return f.close()
	}
	return nil
}

func align(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}
