package tensor

// ContiguousKVCache stores keys and values for one sequence, laid out
// [n_layers, max_seq_len, n_kv_heads * head_dim].
type ContiguousKVCache struct {
	K, V []float32

	numLayers int
	maxSeqLen int
	kvDim     int
}

// NewContiguousKVCache allocates a zeroed cache for the given shape.
func NewContiguousKVCache(numLayers, maxSeqLen, kvDim int) *ContiguousKVCache {
	n := numLayers * maxSeqLen * kvDim
	return &ContiguousKVCache{
		K:         make([]float32, n),
		V:         make([]float32, n),
		numLayers: numLayers,
		maxSeqLen: maxSeqLen,
		kvDim:     kvDim,
	}
}

// Offset returns the flat index of position pos in layer.
func (c *ContiguousKVCache) Offset(layer, pos int) int {
	return layer*c.maxSeqLen*c.kvDim + pos*c.kvDim
}

// Reset zeroes the cache for reuse by another sequence.
func (c *ContiguousKVCache) Reset() {
	clear(c.K)
	clear(c.V)
}

// PagedKVCache stores keys and values for all sequences at once, laid out
// [n_layers, num_blocks, block_size, n_kv_heads * head_dim]. Which block a
// token lives in is decided by per-request block tables; the cache itself
// has no notion of ownership.
type PagedKVCache struct {
	K, V []float32

	numLayers int
	numBlocks int
	blockSize int
	kvDim     int
}

// NewPagedKVCache allocates a zeroed paged cache for the given shape.
func NewPagedKVCache(numLayers, numBlocks, blockSize, kvDim int) *PagedKVCache {
	n := numLayers * numBlocks * blockSize * kvDim
	return &PagedKVCache{
		K:         make([]float32, n),
		V:         make([]float32, n),
		numLayers: numLayers,
		numBlocks: numBlocks,
		blockSize: blockSize,
		kvDim:     kvDim,
	}
}

// BlockSize returns the tokens per block.
func (c *PagedKVCache) BlockSize() int { return c.blockSize }

// NumBlocks returns the physical block count.
func (c *PagedKVCache) NumBlocks() int { return c.numBlocks }

// Offset returns the flat index of slot blockOffset in physical block
// physBlock of layer.
func (c *PagedKVCache) Offset(layer, physBlock, blockOffset int) int {
	return layer*c.numBlocks*c.blockSize*c.kvDim +
		physBlock*c.blockSize*c.kvDim +
		blockOffset*c.kvDim
}

// PosOffset resolves absolute position pos through a layer's block table.
func (c *PagedKVCache) PosOffset(layer int, blockTable []int, pos int) int {
	physBlock := blockTable[pos/c.blockSize]
	return c.Offset(layer, physBlock, pos%c.blockSize)
}
