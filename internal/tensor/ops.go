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

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Axpy computes dst += a*x.
func Axpy(dst []float32, a float32, x []float32) {
	for i := range dst {
		dst[i] += a * x[i]
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

// MatVec computes dst = w·x for a row-major [out, in] matrix.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(x) < w.C || len(dst) < w.R {
		panic("MatVec dimension mismatch")
	}
	for r := 0; r < w.R; r++ {
		dst[r] = Dot(w.Row(r), x[:w.C])
	}
}

// RMSNorm performs Root Mean Square Normalization. A nil weight means unit scale.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	if weight == nil {
		for i := range src {
			dst[i] = src[i] * scale
		}
		return
	}
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
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

// SiluMul computes dst[i] *= Silu(gate[i]).
func SiluMul(dst, gate []float32) {
	for i := range dst {
		dst[i] *= Silu(gate[i])
	}
}

// Finite reports whether every element of x is neither NaN nor ±Inf.
func Finite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
