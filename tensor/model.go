package tensor

import "fmt"

// RunState holds the scratch buffers reused across forward passes.
type RunState struct {
	X      []float32 // [dim] residual stream
	XB     []float32 // [dim]
	XB2    []float32 // [dim]
	HB     []float32 // [hidden_dim]
	HB2    []float32 // [hidden_dim]
	Q      []float32 // [dim]
	K      []float32 // [kv_dim]
	V      []float32 // [kv_dim]
	Att    []float32 // [max_seq_len]
	Logits []float32 // [vocab_size]
}

func newRunState(cfg *Config) *RunState {
	return &RunState{
		X:      make([]float32, cfg.Dim),
		XB:     make([]float32, cfg.Dim),
		XB2:    make([]float32, cfg.Dim),
		HB:     make([]float32, cfg.HiddenDim),
		HB2:    make([]float32, cfg.HiddenDim),
		Q:      make([]float32, cfg.Dim),
		K:      make([]float32, cfg.KVDim()),
		V:      make([]float32, cfg.KVDim()),
		Att:    make([]float32, cfg.MaxSeqLen),
		Logits: make([]float32, cfg.VocabSize),
	}
}

// Model is a single-token-at-a-time transformer. It owns its scratch state
// and exactly one KV cache: contiguous when paged attention is off, paged
// otherwise. In paged mode token placement is dictated by the per-layer
// block tables handed to ForwardPaged.
type Model struct {
	Config  *Config
	Weights *Weights

	state      *RunState
	contiguous *ContiguousKVCache
	paged      *PagedKVCache
}

// NewModel validates the config and allocates scratch buffers plus the KV
// cache for the configured addressing mode.
func NewModel(cfg *Config, w *Weights) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}

	m := &Model{Config: cfg, Weights: w, state: newRunState(cfg)}
	if cfg.UsePagedAttention {
		m.paged = NewPagedKVCache(cfg.NumLayers, cfg.NumBlocks, cfg.BlockSize, cfg.KVDim())
	} else {
		m.contiguous = NewContiguousKVCache(cfg.NumLayers, cfg.MaxSeqLen, cfg.KVDim())
	}
	return m, nil
}

// PagedCache exposes the shared paged buffer, nil in contiguous mode.
func (m *Model) PagedCache() *PagedKVCache { return m.paged }

// Forward runs one token at pos through the contiguous-cache path and
// returns the logits slice, valid until the next forward call.
func (m *Model) Forward(token, pos int) []float32 {
	if m.contiguous == nil {
		panic("model: Forward called in paged mode")
	}
	return m.forward(token, pos, nil)
}

// ForwardPaged runs one token at pos through the paged path, addressing the
// KV cache via the request's per-layer block tables.
func (m *Model) ForwardPaged(token, pos int, blockTables [][]int) []float32 {
	if m.paged == nil {
		panic("model: ForwardPaged called in contiguous mode")
	}
	return m.forward(token, pos, blockTables)
}

// Reset clears sequence state so another request can start at position 0.
// Only meaningful in contiguous mode; paged blocks are recycled by the
// allocator instead.
func (m *Model) Reset() {
	if m.contiguous != nil {
		m.contiguous.Reset()
	}
}

func (m *Model) forward(token, pos int, blockTables [][]int) []float32 {
	cfg, w, s := m.Config, m.Weights, m.state
	dim, hidden, kvDim, headDim := cfg.Dim, cfg.HiddenDim, cfg.KVDim(), cfg.HeadDim

	copy(s.X, w.TokenEmbedding[token*dim:(token+1)*dim])

	for l := range w.Layers {
		lw := &w.Layers[l]

		RMSNorm(s.XB, s.X, lw.RMSAtt)
		MatMul(s.Q, s.XB, lw.WQ, dim, dim)
		MatMul(s.K, s.XB, lw.WK, dim, kvDim)
		MatMul(s.V, s.XB, lw.WV, dim, kvDim)
		ApplyRoPE(s.Q, s.K, pos, headDim, cfg.RopeTheta)

		if blockTables != nil {
			off := m.paged.PosOffset(l, blockTables[l], pos)
			copy(m.paged.K[off:off+kvDim], s.K)
			copy(m.paged.V[off:off+kvDim], s.V)
			PagedAttention(s.XB, s.Q, s.Att, m.paged, blockTables[l], l, pos,
				cfg.NumHeads, cfg.NumKVHeads, headDim)
		} else {
			off := m.contiguous.Offset(l, pos)
			copy(m.contiguous.K[off:off+kvDim], s.K)
			copy(m.contiguous.V[off:off+kvDim], s.V)
			StandardAttention(s.XB, s.Q, s.Att, m.contiguous, l, pos,
				cfg.NumHeads, cfg.NumKVHeads, headDim)
		}

		MatMul(s.XB2, s.XB, lw.WO, dim, dim)
		for i := range s.X {
			s.X[i] += s.XB2[i]
		}

		RMSNorm(s.XB, s.X, lw.RMSFFN)
		MatMul(s.HB, s.XB, lw.WGate, dim, hidden)
		MatMul(s.HB2, s.XB, lw.WUp, dim, hidden)
		SwiGLU(s.HB, s.HB2)
		MatMul(s.XB, s.HB, lw.WDown, hidden, dim)
		for i := range s.X {
			s.X[i] += s.XB[i]
		}
	}

	RMSNorm(s.X, s.X, w.RMSFinal)
	MatMul(s.Logits, s.X, w.LMHead, dim, cfg.VocabSize)
	return s.Logits
}
