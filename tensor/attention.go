package tensor

import "math"

// StandardAttention computes causal attention for one query position over a
// contiguous cache. q is [n_heads * head_dim], out the same. att is scratch
// of at least pos+1 elements. GQA maps query head h to kv head h/kvMul.
func StandardAttention(out, q, att []float32, cache *ContiguousKVCache, layer, pos, numHeads, numKVHeads, headDim int) {
	kvMul := numHeads / numKVHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	scores := att[:pos+1]

	for h := 0; h < numHeads; h++ {
		qh := q[h*headDim : (h+1)*headDim]
		kvHead := h / kvMul

		for t := 0; t <= pos; t++ {
			base := cache.Offset(layer, t) + kvHead*headDim
			kh := cache.K[base : base+headDim]
			var score float32
			for i := 0; i < headDim; i++ {
				score += qh[i] * kh[i]
			}
			scores[t] = score * scale
		}

		Softmax(scores)

		oh := out[h*headDim : (h+1)*headDim]
		for i := range oh {
			oh[i] = 0
		}
		for t := 0; t <= pos; t++ {
			base := cache.Offset(layer, t) + kvHead*headDim
			vh := cache.V[base : base+headDim]
			w := scores[t]
			for i := 0; i < headDim; i++ {
				oh[i] += w * vh[i]
			}
		}
	}
}

// PagedAttention is StandardAttention over a paged cache: every key/value
// position is resolved through the layer's block table before the dot
// product. Identical math, different addressing.
func PagedAttention(out, q, att []float32, cache *PagedKVCache, blockTable []int, layer, pos, numHeads, numKVHeads, headDim int) {
	kvMul := numHeads / numKVHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	scores := att[:pos+1]

	for h := 0; h < numHeads; h++ {
		qh := q[h*headDim : (h+1)*headDim]
		kvHead := h / kvMul

		for t := 0; t <= pos; t++ {
			base := cache.PosOffset(layer, blockTable, t) + kvHead*headDim
			kh := cache.K[base : base+headDim]
			var score float32
			for i := 0; i < headDim; i++ {
				score += qh[i] * kh[i]
			}
			scores[t] = score * scale
		}

		Softmax(scores)

		oh := out[h*headDim : (h+1)*headDim]
		for i := range oh {
			oh[i] = 0
		}
		for t := 0; t <= pos; t++ {
			base := cache.PosOffset(layer, blockTable, t) + kvHead*headDim
			vh := cache.V[base : base+headDim]
			w := scores[t]
			for i := 0; i < headDim; i++ {
				oh[i] += w * vh[i]
			}
		}
	}
}
