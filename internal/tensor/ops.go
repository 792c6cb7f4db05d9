package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Mul multiplies dst by src element-wise.
func Mul(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// AddTensor adds b to a in place. Shapes must match.
func AddTensor(a, b *Tensor) error {
	if !SameShape(a, b) {
		return shapeErr("add", a.Shape, b.Shape)
	}
	Add(a.Data, b.Data)
	return nil
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// LayerNorm normalizes src to zero mean and unit variance, then applies
// weight and bias. bias may be nil.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(len(src))
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(src))
	inv := 1.0 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		out := float32((float64(v) - mean) * inv)
		out *= weight[i]
		if bias != nil {
			out += bias[i]
		}
		dst[i] = out
	}
}

// Softmax applies the softmax function to x. Entries equal to -Inf get zero
// probability; an all -Inf row becomes all zeros.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	if math.IsInf(float64(maxv), -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LogSoftmax writes log(softmax(x)) into dst.
func LogSoftmax(dst, x []float32) {
	maxv := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v - maxv))
	}
	lse := float32(math.Log(sum)) + maxv
	for i, v := range x {
		dst[i] = v - lse
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// GeluTanh is the tanh approximation of GELU.
func GeluTanh(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}

// Gelu is the exact erf-based GELU.
func Gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
}

// Relu clamps negatives to zero.
func Relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// Apply runs f over every element of x in place.
func Apply(x []float32, f func(float32) float32) {
	for i, v := range x {
		x[i] = f(v)
	}
}

// RopeInvFreq returns the inverse frequencies for a rotary dimension.
func RopeInvFreq(dim int, theta float64) []float64 {
	out := make([]float64, dim/2)
	for i := range out {
		out[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(dim))
	}
	return out
}

// ApplyRoPE applies Rotary Positional Embeddings to x using interleaved
// pairs (2i, 2i+1). x holds nHead consecutive heads of headDim values.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	for h := 0; h < nHead; h++ {
		base := h * headDim
		for i := 0; i < headDim/2; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + 2*i
			i1 := i0 + 1
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x0*s + x1*c
		}
	}
}

// ApplyRoPEHalf applies rotary embeddings rotating the first half of each
// head against the second half (the Hugging Face layout).
func ApplyRoPEHalf(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	half := headDim / 2
	for h := 0; h < nHead; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + i
			i1 := i0 + half
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x1*c + x0*s
		}
	}
}
