package ggml

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/samcharles93/weave/internal/quant"
)

type WriteTensor struct {
	Name string
	Dims []int
	Type quant.Type
	Data []byte
}

// Write encodes a legacy container. version is ignored for MagicGGML.
func Write(w io.Writer, magic Magic, version uint32, hp HParams, vocab []VocabEntry, tensors []WriteTensor) error {
	bw := bufio.NewWriter(w)
	var off int64
	var werr error
	put := func(b []byte) {
		if werr != nil {
			return
		}
		n, err := bw.Write(b)
		off += int64(n)
		werr = err
	}
	u32 := func(v uint32) { put(binary.LittleEndian.AppendUint32(nil, v)) }

	u32(uint32(magic))
	if magic != MagicGGML {
		u32(version)
	}
	for _, v := range []uint32{hp.NVocab, hp.NEmbd, hp.NMult, hp.NHead, hp.NLayer, hp.NRot, hp.FType} {
		u32(v)
	}
	for _, e := range vocab {
		u32(uint32(len(e.Token)))
		put(e.Token)
		if magic != MagicGGML {
			u32(math.Float32bits(e.Score))
		}
	}
	for _, t := range tensors {
		u32(uint32(len(t.Dims)))
		u32(uint32(len(t.Name)))
		u32(uint32(t.Type))
		for _, d := range t.Dims {
			u32(uint32(d))
		}
		put([]byte(t.Name))
		if magic == MagicGGJT {
			if pad := (tensorAlignment - off%tensorAlignment) % tensorAlignment; pad > 0 {
				put(make([]byte, pad))
			}
		}
		put(t.Data)
	}
	if werr != nil {
		return werr
	}
	return bw.Flush()
}
