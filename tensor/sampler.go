package tensor

import (
	"math/rand"
	"sort"
)

// Sampler draws the next token from logits. Temperature 0 degenerates to
// argmax; otherwise logits are scaled, softmaxed, optionally truncated to
// the top-p nucleus, then sampled by inverse CDF with the sampler's own RNG.
type Sampler struct {
	vocabSize   int
	temperature float32
	topP        float32
	rng         *rand.Rand

	probs   []float32
	indices []int
}

// NewSampler creates a sampler seeded for reproducible draws.
func NewSampler(vocabSize int, temperature, topP float32, seed int64) *Sampler {
	return &Sampler{
		vocabSize:   vocabSize,
		temperature: temperature,
		topP:        topP,
		rng:         rand.New(rand.NewSource(seed)),
		probs:       make([]float32, vocabSize),
		indices:     make([]int, vocabSize),
	}
}

// Sample returns the chosen token id. logits is not modified.
func (s *Sampler) Sample(logits []float32) int {
	if s.temperature == 0 {
		return argmax(logits)
	}

	invTemp := 1.0 / s.temperature
	for i, l := range logits {
		s.probs[i] = l * invTemp
	}
	Softmax(s.probs)

	if s.topP > 0 && s.topP < 1 {
		return s.sampleTopP()
	}
	return s.sampleCDF()
}

// sampleCDF walks the full distribution with a uniform draw.
func (s *Sampler) sampleCDF() int {
	r := s.rng.Float32()
	var cum float32
	for i, p := range s.probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return s.vocabSize - 1
}

// sampleTopP truncates to the smallest probability-sorted prefix whose mass
// exceeds topP and draws from it, scaling the uniform sample by the nucleus
// mass. Rounding underflow falls back to the last in-nucleus token.
func (s *Sampler) sampleTopP() int {
	for i := range s.indices {
		s.indices[i] = i
	}
	sort.Slice(s.indices, func(a, b int) bool {
		return s.probs[s.indices[a]] > s.probs[s.indices[b]]
	})

	var cum float32
	cutoff := s.vocabSize
	for i, idx := range s.indices {
		cum += s.probs[idx]
		if cum > s.topP {
			cutoff = i + 1
			break
		}
	}

	r := s.rng.Float32() * cum
	var acc float32
	for _, idx := range s.indices[:cutoff] {
		acc += s.probs[idx]
		if r < acc {
			return idx
		}
	}
	return s.indices[cutoff-1]
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
