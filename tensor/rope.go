package tensor

import "math"

// ApplyRoPE rotates q and k in place for one position. Pairs are interleaved:
// dims (2i, 2i+1) rotate together with frequency theta^-(2i/head_dim). q has
// nHeads*headDim values, k has nKVHeads*headDim.
func ApplyRoPE(q, k []float32, pos, headDim int, theta float64) {
	for i := 0; i < len(q); i += 2 {
		headIdx := i % headDim
		freq := 1.0 / math.Pow(theta, float64(headIdx)/float64(headDim))
		angle := float64(pos) * freq
		cos := float32(math.Cos(angle))
		sin := float32(math.Sin(angle))

		q0, q1 := q[i], q[i+1]
		q[i] = q0*cos - q1*sin
		q[i+1] = q0*sin + q1*cos

		if i+1 < len(k) {
			k0, k1 := k[i], k[i+1]
			k[i] = k0*cos - k1*sin
			k[i+1] = k0*sin + k1*cos
		}
	}
}
