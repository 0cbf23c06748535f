package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// LayerWeights holds one transformer layer's parameters. Matmul weights are
// row-major [out, in].
type LayerWeights struct {
	RMSAtt []float32 // [dim]
	WQ     []float32 // [dim, dim]
	WK     []float32 // [kv_dim, dim]
	WV     []float32 // [kv_dim, dim]
	WO     []float32 // [dim, dim]
	RMSFFN []float32 // [dim]
	WGate  []float32 // [hidden_dim, dim]
	WDown  []float32 // [dim, hidden_dim]
	WUp    []float32 // [hidden_dim, dim]
}

// Weights holds the full parameter set of a model.
type Weights struct {
	TokenEmbedding []float32 // [vocab_size, dim]
	Layers         []LayerWeights
	RMSFinal       []float32 // [dim]
	LMHead         []float32 // [vocab_size, dim]; aliases TokenEmbedding when tied
}

type checkpointReader struct {
	data []byte
	off  int
}

func (r *checkpointReader) int32() (int, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("checkpoint truncated at offset %d", r.off)
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return int(v), nil
}

func (r *checkpointReader) floats(n int) ([]float32, error) {
	if r.off+4*n > len(r.data) {
		return nil, fmt.Errorf("checkpoint truncated: need %d floats at offset %d", n, r.off)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(r.data[r.off+4*i:])
		out[i] = math.Float32frombits(bits)
	}
	r.off += 4 * n
	return out, nil
}

func (r *checkpointReader) remainingFloats() int {
	return (len(r.data) - r.off) / 4
}

// LoadCheckpoint reads a model checkpoint: a 7-int32 little-endian header
// (dim, hidden_dim, n_layers, n_heads, n_kv_heads, vocab_size, max_seq_len)
// followed by float32 tensors grouped by parameter across layers. When the
// trailing bytes are too short for a separate classifier matrix the lm_head
// is tied to the token embedding. The returned Config carries only the
// header-derived shape; cache layout knobs are filled in by the caller.
func LoadCheckpoint(path string) (*Config, *Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	r := &checkpointReader{data: data}

	header := make([]int, 7)
	for i := range header {
		v, err := r.int32()
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint %s: %w", path, err)
		}
		header[i] = v
	}

	cfg := &Config{
		Dim:        header[0],
		HiddenDim:  header[1],
		NumLayers:  header[2],
		NumHeads:   header[3],
		NumKVHeads: header[4],
		VocabSize:  header[5],
		MaxSeqLen:  header[6],
		RopeTheta:  10000.0,
	}
	if cfg.NumHeads < 1 {
		return nil, nil, fmt.Errorf("checkpoint %s: bad header %v", path, header)
	}
	cfg.HeadDim = cfg.Dim / cfg.NumHeads

	dim, hidden, kvDim := cfg.Dim, cfg.HiddenDim, cfg.KVDim()
	nLayers := cfg.NumLayers

	w := &Weights{Layers: make([]LayerWeights, nLayers)}

	if w.TokenEmbedding, err = r.floats(cfg.VocabSize * dim); err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s: token embedding: %w", path, err)
	}

	// Tensors are grouped by parameter: all layers' rms_att, then all wq, etc.
	grouped := []struct {
		name string
		size int
		dst  func(l int) *[]float32
	}{
		{"rms_att", dim, func(l int) *[]float32 { return &w.Layers[l].RMSAtt }},
		{"wq", dim * dim, func(l int) *[]float32 { return &w.Layers[l].WQ }},
		{"wk", kvDim * dim, func(l int) *[]float32 { return &w.Layers[l].WK }},
		{"wv", kvDim * dim, func(l int) *[]float32 { return &w.Layers[l].WV }},
		{"wo", dim * dim, func(l int) *[]float32 { return &w.Layers[l].WO }},
		{"rms_ffn", dim, func(l int) *[]float32 { return &w.Layers[l].RMSFFN }},
		{"w_gate", hidden * dim, func(l int) *[]float32 { return &w.Layers[l].WGate }},
		{"w_down", dim * hidden, func(l int) *[]float32 { return &w.Layers[l].WDown }},
		{"w_up", hidden * dim, func(l int) *[]float32 { return &w.Layers[l].WUp }},
	}
	for _, g := range grouped {
		for l := 0; l < nLayers; l++ {
			t, err := r.floats(g.size)
			if err != nil {
				return nil, nil, fmt.Errorf("checkpoint %s: layer %d %s: %w", path, l, g.name, err)
			}
			*g.dst(l) = t
		}
	}

	if w.RMSFinal, err = r.floats(dim); err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s: rms_final: %w", path, err)
	}

	// An untied classifier sits at the very end of the file; anything between
	// rms_final and it (legacy rope frequency tables) is skipped.
	if rem := r.remainingFloats(); rem >= cfg.VocabSize*dim {
		r.off = len(r.data) - 4*cfg.VocabSize*dim
		if w.LMHead, err = r.floats(cfg.VocabSize * dim); err != nil {
			return nil, nil, fmt.Errorf("checkpoint %s: lm_head: %w", path, err)
		}
	} else {
		w.LMHead = w.TokenEmbedding
	}

	return cfg, w, nil
}
