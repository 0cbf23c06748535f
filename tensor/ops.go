package tensor

import "math"

const rmsNormEps = 1e-5

// RMSNorm writes the root-mean-square normalized x, scaled by weight, to out.
// out and x may alias.
func RMSNorm(out, x, weight []float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	ss = ss/float32(len(x)) + rmsNormEps
	inv := float32(1.0 / math.Sqrt(float64(ss)))

	for i, v := range x {
		out[i] = v * inv * weight[i]
	}
}

// MatMul computes out = w @ x where w is row-major [nOut, nIn].
func MatMul(out, x, w []float32, nIn, nOut int) {
	for o := 0; o < nOut; o++ {
		row := w[o*nIn : (o+1)*nIn]
		var sum float32
		for i, v := range row {
			sum += v * x[i]
		}
		out[o] = sum
	}
}

// Softmax normalizes x in place into a probability distribution.
func Softmax(x []float32) {
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	var sum float32
	for i, v := range x {
		x[i] = float32(math.Exp(float64(v - maxVal)))
		sum += x[i]
	}
	for i := range x {
		x[i] /= sum
	}
}

// SwiGLU applies gate[i] = silu(gate[i]) * up[i] in place.
func SwiGLU(gate, up []float32) {
	for i, g := range gate {
		silu := g / (1.0 + float32(math.Exp(float64(-g))))
		gate[i] = silu * up[i]
	}
}
