package tensor

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShape(numKVHeads int, paged bool) *Config {
	return &Config{
		Dim:               8,
		HiddenDim:         16,
		NumLayers:         2,
		NumHeads:          2,
		NumKVHeads:        numKVHeads,
		VocabSize:         16,
		MaxSeqLen:         32,
		HeadDim:           4,
		RopeTheta:         10000.0,
		UsePagedAttention: paged,
		BlockSize:         8,
		NumBlocks:         4,
		EOSTokenID:        2,
	}
}

func randomWeights(cfg *Config, seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))
	fill := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = (rng.Float32() - 0.5) * 0.2
		}
		return out
	}

	dim, hidden, kvDim := cfg.Dim, cfg.HiddenDim, cfg.KVDim()
	w := &Weights{
		TokenEmbedding: fill(cfg.VocabSize * dim),
		Layers:         make([]LayerWeights, cfg.NumLayers),
		RMSFinal:       fill(dim),
	}
	for l := range w.Layers {
		w.Layers[l] = LayerWeights{
			RMSAtt: fill(dim),
			WQ:     fill(dim * dim),
			WK:     fill(kvDim * dim),
			WV:     fill(kvDim * dim),
			WO:     fill(dim * dim),
			RMSFFN: fill(dim),
			WGate:  fill(hidden * dim),
			WDown:  fill(dim * hidden),
			WUp:    fill(hidden * dim),
		}
	}
	w.LMHead = w.TokenEmbedding
	return w
}

// seqBlockTables gives each layer its own run of fresh blocks for a single
// request. The ids are not in the serving-side allocator's order (it
// interleaves layers at each block boundary), but no block is shared.
func seqBlockTables(cfg *Config, numTokens int) [][]int {
	perLayer := (numTokens + cfg.BlockSize - 1) / cfg.BlockSize
	tables := make([][]int, cfg.NumLayers)
	next := 0
	for l := range tables {
		for b := 0; b < perLayer; b++ {
			tables[l] = append(tables[l], next)
			next++
		}
	}
	return tables
}

func TestPagedMatchesContiguous(t *testing.T) {
	for _, kvHeads := range []int{2, 1} {
		t.Run(fmt.Sprintf("kv_heads=%d", kvHeads), func(t *testing.T) {
			tokens := []int{3, 7, 1, 9, 12, 4, 4, 0, 15, 8, 2, 6}

			contCfg := testShape(kvHeads, false)
			cont, err := NewModel(contCfg, randomWeights(contCfg, 1))
			require.NoError(t, err)

			pagedCfg := testShape(kvHeads, true)
			paged, err := NewModel(pagedCfg, randomWeights(pagedCfg, 1))
			require.NoError(t, err)
			tables := seqBlockTables(pagedCfg, len(tokens))

			for pos, tok := range tokens {
				a := cont.Forward(tok, pos)
				b := paged.ForwardPaged(tok, pos, tables)

				assert.Equal(t, argmax(a), argmax(b), "pos %d", pos)
				for i := range a {
					assert.InDelta(t, float64(a[i]), float64(b[i]), 1e-6,
						"pos %d logit %d", pos, i)
				}
			}
		})
	}
}

func TestModelResetClearsSequenceState(t *testing.T) {
	cfg := testShape(2, false)
	m, err := NewModel(cfg, randomWeights(cfg, 2))
	require.NoError(t, err)

	tokens := []int{5, 11, 3}
	first := make([]int, len(tokens))
	for pos, tok := range tokens {
		first[pos] = argmax(m.Forward(tok, pos))
	}

	m.Reset()
	for pos, tok := range tokens {
		assert.Equal(t, first[pos], argmax(m.Forward(tok, pos)), "pos %d", pos)
	}
}

func TestModelModePanics(t *testing.T) {
	contCfg := testShape(2, false)
	cont, err := NewModel(contCfg, randomWeights(contCfg, 3))
	require.NoError(t, err)
	assert.Nil(t, cont.PagedCache())
	assert.Panics(t, func() { cont.ForwardPaged(0, 0, nil) })

	pagedCfg := testShape(2, true)
	paged, err := NewModel(pagedCfg, randomWeights(pagedCfg, 3))
	require.NoError(t, err)
	assert.NotNil(t, paged.PagedCache())
	assert.Panics(t, func() { paged.Forward(0, 0) })
}

func TestNewModelRejectsBadShape(t *testing.T) {
	cfg := testShape(2, false)
	cfg.Dim = 7
	_, err := NewModel(cfg, nil)
	assert.Error(t, err)

	cfg = testShape(2, false)
	cfg.NumKVHeads = 3
	_, err = NewModel(cfg, nil)
	assert.Error(t, err)
}
