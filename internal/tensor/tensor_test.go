package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

func fillTestData(data []float32, scale float32) {
	for i := range data {
		data[i] = float32((i*7)%13-6) * scale
	}
}

func compareSlices(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		if d := float32(math.Abs(float64(got[i] - want[i]))); d > tol {
			t.Fatalf("index %d: got %v want %v (diff %v)", i, got[i], want[i], d)
		}
	}
}

func TestCatAndNarrowRoundTrip(t *testing.T) {
	t.Parallel()

	a := New(2, 3, 4)
	b := New(2, 1, 4)
	fillTestData(a.Data, 1)
	fillTestData(b.Data, 10)

	c, err := Cat(1, a, b)
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	if diff := cmp.Diff([]int{2, 4, 4}, c.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	gotA, err := c.Narrow(1, 0, 3)
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	gotB, err := c.Narrow(1, 3, 1)
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	compareSlices(t, gotA.Data, a.Data, 0)
	compareSlices(t, gotB.Data, b.Data, 0)
}

func TestCatRejectsMismatchedDims(t *testing.T) {
	t.Parallel()

	_, err := Cat(1, New(1, 2, 3), New(2, 2, 3))
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	var se *ShapeError
	if !errors.As(err, &se) || len(se.Shapes) != 2 {
		t.Fatalf("expected ShapeError carrying both shapes, got %#v", err)
	}
}

func TestReshapeInfer(t *testing.T) {
	t.Parallel()

	x := New(2, 3, 4)
	y, err := x.Reshape(-1, 4)
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}
	if y.Shape[0] != 6 {
		t.Fatalf("expected inferred dim 6, got %v", y.Shape)
	}
	if _, err := x.Reshape(5, -1); err == nil {
		t.Fatalf("expected error for non-divisible reshape")
	}
}

func TestSqueeze(t *testing.T) {
	t.Parallel()

	x := New(1, 1, 5)
	y, err := x.Squeeze(0)
	if err != nil {
		t.Fatalf("squeeze: %v", err)
	}
	if diff := cmp.Diff([]int{1, 5}, y.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if _, err := y.Squeeze(1); err == nil {
		t.Fatalf("expected error squeezing a non-unit dim")
	}
}

func TestTranspose12(t *testing.T) {
	t.Parallel()

	x := New(1, 2, 3, 2)
	fillTestData(x.Data, 1)
	y, err := x.Transpose12()
	if err != nil {
		t.Fatalf("transpose: %v", err)
	}
	for s := range 2 {
		for h := range 3 {
			for d := range 2 {
				got := y.Data[(h*2+s)*2+d]
				want := x.Data[(s*3+h)*2+d]
				if got != want {
					t.Fatalf("s=%d h=%d d=%d: got %v want %v", s, h, d, got, want)
				}
			}
		}
	}
}

func TestRepeat(t *testing.T) {
	t.Parallel()

	x, _ := FromData([]float32{1, 2, 3, 4}, 1, 2, 1, 2)
	y := x.Repeat(1, 2)
	compareSlices(t, y.Data, []float32{1, 2, 1, 2, 3, 4, 3, 4}, 0)
}

func TestMatMulTMatchesNaive(t *testing.T) {
	t.Parallel()

	x := New(2, 3, 5)
	w := New(4, 5)
	fillTestData(x.Data, 0.5)
	fillTestData(w.Data, 0.25)

	got, err := MatMulT(x, w)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	want := make([]float32, 2*3*4)
	for r := range 6 {
		for n := range 4 {
			want[r*4+n] = Dot(x.Data[r*5:(r+1)*5], w.Data[n*5:(n+1)*5])
		}
	}
	compareSlices(t, got.Data, want, 1e-5)
}

func TestMatMul(t *testing.T) {
	t.Parallel()

	a, _ := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b, _ := FromData([]float32{1, 0, 0, 1, 1, 1}, 3, 2)
	got, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	compareSlices(t, got.Data, []float32{4, 5, 10, 11}, 1e-6)
}

func TestSoftmaxMasked(t *testing.T) {
	t.Parallel()

	neg := float32(math.Inf(-1))
	x := []float32{0, neg, 0}
	Softmax(x)
	compareSlices(t, x, []float32{0.5, 0, 0.5}, 1e-6)

	y := []float32{neg, neg}
	Softmax(y)
	compareSlices(t, y, []float32{0, 0}, 0)
}

func TestLayerNorm(t *testing.T) {
	t.Parallel()

	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	LayerNorm(dst, src, []float32{1, 1, 1, 1}, []float32{0, 0, 0, 1}, 0)
	if dst[0] >= 0 || dst[3] <= 1 {
		t.Fatalf("unexpected layernorm output %v", dst)
	}
}

func TestRoPEZeroPositionIsIdentity(t *testing.T) {
	t.Parallel()

	x := make([]float32, 16)
	fillTestData(x, 1)
	want := append([]float32(nil), x...)
	inv := RopeInvFreq(8, 10000)

	ApplyRoPE(x, 2, 8, 0, inv)
	compareSlices(t, x, want, 0)
	ApplyRoPEHalf(x, 2, 8, 0, inv)
	compareSlices(t, x, want, 0)
}

func TestRoPEPreservesNorm(t *testing.T) {
	t.Parallel()

	x := make([]float32, 8)
	fillTestData(x, 1)
	var before float32
	for _, v := range x {
		before += v * v
	}
	ApplyRoPEHalf(x, 1, 8, 17, RopeInvFreq(8, 10000))
	var after float32
	for _, v := range x {
		after += v * v
	}
	if math.Abs(float64(before-after)) > 1e-3 {
		t.Fatalf("norm changed: before %v after %v", before, after)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	h := float16.Fromfloat32(1.5).Bits()
	got, err := Decode([]byte{byte(h), byte(h >> 8)}, F16)
	if err != nil {
		t.Fatalf("decode f16: %v", err)
	}
	compareSlices(t, got, []float32{1.5}, 0)

	// bf16 1.0 = 0x3f80
	got, err = Decode([]byte{0x80, 0x3f}, BF16)
	if err != nil {
		t.Fatalf("decode bf16: %v", err)
	}
	compareSlices(t, got, []float32{1}, 0)

	if _, err := Decode([]byte{1, 2, 3}, F32); err == nil {
		t.Fatalf("expected error for truncated f32 payload")
	}
}

func TestRoundBF16(t *testing.T) {
	t.Parallel()

	x := []float32{1.0000001, 3}
	Round(x, BF16)
	compareSlices(t, x, []float32{1, 3}, 0)
}

func TestParseDType(t *testing.T) {
	t.Parallel()

	cases := map[string]DType{"bf16": BF16, "F16": F16, "float32": F32}
	for in, want := range cases {
		got, err := ParseDType(in)
		if err != nil || got != want {
			t.Fatalf("ParseDType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseDType("int8"); err == nil {
		t.Fatalf("expected error for unknown dtype")
	}
}
