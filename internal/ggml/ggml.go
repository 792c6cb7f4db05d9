// Package ggml reads the legacy llama.cpp weight containers that predate
// GGUF: unversioned "ggml", "ggmf" v1 and "ggjt" v1-v3.
package ggml

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/samcharles93/weave/internal/quant"
)

var (
	ErrBadMagic   = errors.New("ggml: bad magic")
	ErrBadVersion = errors.New("ggml: unsupported version")
)

// Magic is the little-endian u32 at the start of the file.
type Magic uint32

const (
	MagicGGML Magic = 0x67676d6c
	MagicGGMF Magic = 0x67676d66
	MagicGGJT Magic = 0x67676a74
)

func (m Magic) String() string {
	switch m {
	case MagicGGML:
		return "ggml"
	case MagicGGMF:
		return "ggmf"
	case MagicGGJT:
		return "ggjt"
	default:
		return fmt.Sprintf("magic(%#08x)", uint32(m))
	}
}

const tensorAlignment = 32

// HParams is the fixed llama hyperparameter block.
type HParams struct {
	NVocab uint32
	NEmbd  uint32
	NMult  uint32
	NHead  uint32
	NLayer uint32
	NRot   uint32
	FType  uint32
}

type VocabEntry struct {
	Token []byte
	Score float32
}

// TensorInfo locates one tensor payload. Dims are innermost first.
type TensorInfo struct {
	Name   string
	Dims   []int
	Type   quant.Type
	Offset int64
	Size   int
}

type File struct {
	Path    string
	Magic   Magic
	Version uint32
	HParams HParams
	Vocab   []VocabEntry
	Tensors []TensorInfo

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

func (f *File) Close() error {
	if f.close != nil {
		return f.close()
	}
	return nil
}

// Versioned reports whether vocab entries carry scores.
func (f *File) Versioned() bool { return f.Magic != MagicGGML }

// Read walks the container once: header, hparams, vocab, then every tensor
// record, skipping payloads and recording their offsets.
func Read(r io.ReaderAt, size int64) (*File, error) {
	rd := &reader{r: bufio.NewReaderSize(io.NewSectionReader(r, 0, size), 1<<16)}

	magic, err := rd.u32()
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	f := &File{Magic: Magic(magic), r: r, index: map[string]int{}}
	switch f.Magic {
	case MagicGGML:
	case MagicGGMF:
		if f.Version, err = rd.u32(); err != nil {
			return nil, err
		}
		if f.Version != 1 {
			return nil, fmt.Errorf("%w: ggmf v%d", ErrBadVersion, f.Version)
		}
	case MagicGGJT:
		if f.Version, err = rd.u32(); err != nil {
			return nil, err
		}
		if f.Version < 1 || f.Version > 3 {
			return nil, fmt.Errorf("%w: ggjt v%d", ErrBadVersion, f.Version)
		}
	default:
		return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, magic)
	}

	hp := []*uint32{&f.HParams.NVocab, &f.HParams.NEmbd, &f.HParams.NMult, &f.HParams.NHead, &f.HParams.NLayer, &f.HParams.NRot, &f.HParams.FType}
	for _, p := range hp {
		if *p, err = rd.u32(); err != nil {
			return nil, fmt.Errorf("read hparams: %w", err)
		}
	}

	if int64(f.HParams.NVocab) > size {
		return nil, fmt.Errorf("vocab size %d exceeds file size", f.HParams.NVocab)
	}
	f.Vocab = make([]VocabEntry, f.HParams.NVocab)
	for i := range f.Vocab {
		n, err := rd.u32()
		if err != nil {
			return nil, fmt.Errorf("read vocab %d: %w", i, err)
		}
		if f.Vocab[i].Token, err = rd.bytes(int(n), size); err != nil {
			return nil, fmt.Errorf("read vocab %d: %w", i, err)
		}
		if f.Versioned() {
			bits, err := rd.u32()
			if err != nil {
				return nil, fmt.Errorf("read vocab score %d: %w", i, err)
			}
			f.Vocab[i].Score = math.Float32frombits(bits)
		}
	}

	for {
		info, err := f.readTensorHeader(rd, size)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		f.index[info.Name] = len(f.Tensors)
		f.Tensors = append(f.Tensors, info)
		if info.Offset+int64(info.Size) > size {
			return nil, fmt.Errorf("tensor %s: payload at offset %d overruns file (%d bytes)", info.Name, info.Offset, size)
		}
		if err := rd.skip(info.Size); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", info.Name, err)
		}
	}
	return f, nil
}

func (f *File) readTensorHeader(rd *reader, size int64) (TensorInfo, error) {
	start := rd.off
	nDims, err := rd.u32()
	if err != nil {
		if errors.Is(err, io.EOF) && rd.off == start {
			return TensorInfo{}, io.EOF
		}
		return TensorInfo{}, fmt.Errorf("read tensor header at offset %d: %w", start, err)
	}
	nameLen, err := rd.u32()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("read tensor header at offset %d: %w", start, err)
	}
	ttype, err := rd.u32()
	if err != nil {
		return TensorInfo{}, fmt.Errorf("read tensor header at offset %d: %w", start, err)
	}
	if nDims == 0 || nDims > 4 {
		return TensorInfo{}, fmt.Errorf("tensor at offset %d: invalid dim count %d", start, nDims)
	}
	dims := make([]int, nDims)
	elems := 1
	for i := range dims {
		d, err := rd.u32()
		if err != nil {
			return TensorInfo{}, fmt.Errorf("read tensor dims at offset %d: %w", start, err)
		}
		dims[i] = int(d)
		elems *= int(d)
	}
	name, err := rd.bytes(int(nameLen), size)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("read tensor name at offset %d: %w", start, err)
	}
	t := quant.Type(ttype)
	if t != quant.TypeF32 && t != quant.TypeF16 && !(f.Magic == MagicGGJT && f.Version == 3) {
		return TensorInfo{}, fmt.Errorf("tensor %s: %s blocks in %s v%d use a superseded layout: %w", name, t, f.Magic, f.Version, quant.ErrUnsupportedType)
	}
	byteSize, err := quant.ByteSize(t, elems)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if f.Magic == MagicGGJT {
		pad := (tensorAlignment - rd.off%tensorAlignment) % tensorAlignment
		if err := rd.skip(int(pad)); err != nil {
			return TensorInfo{}, fmt.Errorf("tensor %s: alignment padding: %w", name, err)
		}
	}
	return TensorInfo{Name: string(name), Dims: dims, Type: t, Offset: rd.off, Size: byteSize}, nil
}

func (f *File) TensorByName(name string) (TensorInfo, bool) {
	i, ok := f.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

func (f *File) readRaw(name string) ([]byte, TensorInfo, error) {
	info, ok := f.TensorByName(name)
	if !ok {
		return nil, info, fmt.Errorf("tensor not found: %s", name)
	}
	buf := make([]byte, info.Size)
	if _, err := f.r.ReadAt(buf, info.Offset); err != nil {
		return nil, info, fmt.Errorf("read tensor %s at offset %d: %w", name, info.Offset, err)
	}
	return buf, info, nil
}

// ReadTensorF32 loads and dequantizes a tensor.
func (f *File) ReadTensorF32(name string) ([]float32, []int, error) {
	buf, info, err := f.readRaw(name)
	if err != nil {
		return nil, nil, err
	}
	n := 1
	for _, d := range info.Dims {
		n *= d
	}
	out, err := quant.Dequantize(info.Type, buf, n)
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info.Dims, nil
}

// ReadMatrix loads a 2-D tensor in its block encoding.
func (f *File) ReadMatrix(name string) (*quant.Matrix, error) {
	buf, info, err := f.readRaw(name)
	if err != nil {
		return nil, err
	}
	if len(info.Dims) != 2 {
		return nil, fmt.Errorf("tensor %s: expected 2 dims, got %v", name, info.Dims)
	}
	return quant.NewMatrix(name, info.Type, info.Dims[1], info.Dims[0], buf)
}

type reader struct {
	r   *bufio.Reader
	off int64
	buf [4]byte
}

func (r *reader) u32() (uint32, error) {
	n, err := io.ReadFull(r.r, r.buf[:])
	r.off += int64(n)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || n > 0 {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[:]), nil
}

func (r *reader) bytes(n int, limit int64) ([]byte, error) {
	if int64(n) > limit {
		return nil, fmt.Errorf("length %d exceeds file size", n)
	}
	b := make([]byte, n)
	m, err := io.ReadFull(r.r, b)
	r.off += int64(m)
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}

func (r *reader) skip(n int) error {
	m, err := r.r.Discard(n)
	r.off += int64(m)
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	return nil
}
