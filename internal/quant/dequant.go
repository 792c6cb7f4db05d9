package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

func f16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// Dequantize decodes n elements of type t from data into a new slice.
func Dequantize(t Type, data []byte, n int) ([]float32, error) {
	out := make([]float32, n)
	if err := DequantizeInto(out, t, data); err != nil {
		return nil, err
	}
	return out, nil
}

// DequantizeInto decodes len(dst) elements of type t from data.
func DequantizeInto(dst []float32, t Type, data []byte) error {
	size, err := ByteSize(t, len(dst))
	if err != nil {
		return err
	}
	if len(data) != size {
		return fmt.Errorf("%s: invalid data length %d for n=%d (want %d)", t, len(data), len(dst), size)
	}
	switch t {
	case TypeF32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case TypeF16:
		for i := range dst {
			dst[i] = f16(data[i*2:])
		}
	case TypeBF16:
		for i := range dst {
			dst[i] = bfloat16.ToFloat32(bfloat16.FromBytes(data[i*2:]))
		}
	case TypeQ4_0:
		dequantizeQ4_0(dst, data)
	case TypeQ4_1:
		dequantizeQ4_1(dst, data)
	case TypeQ5_0:
		dequantizeQ5_0(dst, data)
	case TypeQ5_1:
		dequantizeQ5_1(dst, data)
	case TypeQ8_0:
		dequantizeQ8_0(dst, data)
	case TypeQ4_K:
		dequantizeQ4K(dst, data)
	case TypeQ6_K:
		dequantizeQ6K(dst, data)
	default:
		return fmt.Errorf("%s: %w", t, ErrUnsupportedType)
	}
	return nil
}

func dequantizeQ4_0(y []float32, data []byte) {
	const bs = 2 + QK4_0/2
	for b := range len(y) / QK4_0 {
		blk := data[b*bs : (b+1)*bs]
		d := f16(blk)
		qs := blk[2:]
		out := y[b*QK4_0:]
		for j := range QK4_0 / 2 {
			out[j] = float32(int(qs[j]&0x0F)-8) * d
			out[j+QK4_0/2] = float32(int(qs[j]>>4)-8) * d
		}
	}
}

func dequantizeQ4_1(y []float32, data []byte) {
	const bs = 4 + QK4_1/2
	for b := range len(y) / QK4_1 {
		blk := data[b*bs : (b+1)*bs]
		d := f16(blk)
		m := f16(blk[2:])
		qs := blk[4:]
		out := y[b*QK4_1:]
		for j := range QK4_1 / 2 {
			out[j] = float32(qs[j]&0x0F)*d + m
			out[j+QK4_1/2] = float32(qs[j]>>4)*d + m
		}
	}
}

func dequantizeQ5_0(y []float32, data []byte) {
	const bs = 6 + QK5_0/2
	for b := range len(y) / QK5_0 {
		blk := data[b*bs : (b+1)*bs]
		d := f16(blk)
		qh := binary.LittleEndian.Uint32(blk[2:])
		qs := blk[6:]
		out := y[b*QK5_0:]
		for j := range QK5_0 / 2 {
			xh0 := byte(((qh >> uint(j)) << 4) & 0x10)
			xh1 := byte((qh >> uint(j+12)) & 0x10)
			out[j] = float32(int((qs[j]&0x0F)|xh0)-16) * d
			out[j+QK5_0/2] = float32(int((qs[j]>>4)|xh1)-16) * d
		}
	}
}

func dequantizeQ5_1(y []float32, data []byte) {
	const bs = 8 + QK5_1/2
	for b := range len(y) / QK5_1 {
		blk := data[b*bs : (b+1)*bs]
		d := f16(blk)
		m := f16(blk[2:])
		qh := binary.LittleEndian.Uint32(blk[4:])
		qs := blk[8:]
		out := y[b*QK5_1:]
		for j := range QK5_1 / 2 {
			xh0 := byte(((qh >> uint(j)) << 4) & 0x10)
			xh1 := byte((qh >> uint(j+12)) & 0x10)
			out[j] = float32((qs[j]&0x0F)|xh0)*d + m
			out[j+QK5_1/2] = float32((qs[j]>>4)|xh1)*d + m
		}
	}
}

func dequantizeQ8_0(y []float32, data []byte) {
	const bs = 2 + QK8_0
	for b := range len(y) / QK8_0 {
		blk := data[b*bs : (b+1)*bs]
		d := f16(blk)
		out := y[b*QK8_0:]
		for j := range QK8_0 {
			out[j] = float32(int8(blk[2+j])) * d
		}
	}
}

func dequantizeQ4K(y []float32, data []byte) {
	const bs = 2 + 2 + 12 + QK_K/2
	for b := range len(y) / QK_K {
		blk := data[b*bs : (b+1)*bs]
		d := f16(blk)
		dmin := f16(blk[2:])
		scales := blk[4:16]
		q := blk[16:]
		out := y[b*QK_K:]
		yi, is := 0, 0
		for j := 0; j < QK_K; j += 64 {
			sc1, m1 := scaleMinK4(is, scales)
			sc2, m2 := scaleMinK4(is+1, scales)
			d1, mm1 := d*float32(sc1), dmin*float32(m1)
			d2, mm2 := d*float32(sc2), dmin*float32(m2)
			for l := range 32 {
				out[yi] = d1*float32(q[l]&0x0F) - mm1
				yi++
			}
			for l := range 32 {
				out[yi] = d2*float32(q[l]>>4) - mm2
				yi++
			}
			q = q[32:]
			is += 2
		}
	}
}

// block_q6_K layout: ql[128] qh[64] scales[16] d(f16).
func dequantizeQ6K(y []float32, data []byte) {
	const bs = QK_K/2 + QK_K/4 + QK_K/16 + 2
	for b := range len(y) / QK_K {
		blk := data[b*bs : (b+1)*bs]
		ql := blk[:128]
		qh := blk[128:192]
		sc := blk[192:208]
		d := f16(blk[208:])
		out := y[b*QK_K:]
		for n := 0; n < QK_K; n += 128 {
			for l := range 32 {
				is := l / 16
				q1 := int((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
				q2 := int((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
				q3 := int((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
				q4 := int((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
				out[n+l] = d * float32(int8(sc[is])) * float32(q1)
				out[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				out[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				out[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
			ql = ql[64:]
			qh = qh[32:]
			sc = sc[8:]
		}
	}
}

func scaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}
