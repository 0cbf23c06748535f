package llmserve

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrOutOfBlocks is returned when the physical block pool is exhausted.
var ErrOutOfBlocks = errors.New("kv cache: out of free blocks")

// BlockAllocator hands out fixed-size physical KV cache blocks to requests.
// It tracks a free bit-set and a per-request ownership list so a whole
// request can be released in one call. All methods are safe for concurrent
// use; one mutex covers every mutation end to end.
type BlockAllocator struct {
	mu sync.Mutex

	numBlocks int
	blockSize int
	free      []bool
	numFree   int

	// request id -> block ids owned, in allocation order
	requestBlocks map[int][]int

	log *logrus.Logger
}

// NewBlockAllocator creates an allocator with numBlocks physical blocks of
// blockSize tokens each. A nil logger falls back to the standard logger.
func NewBlockAllocator(numBlocks, blockSize int, log *logrus.Logger) *BlockAllocator {
	if numBlocks < 1 || blockSize < 1 {
		panic("block allocator: numBlocks and blockSize must be positive")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	free := make([]bool, numBlocks)
	for i := range free {
		free[i] = true
	}

	return &BlockAllocator{
		numBlocks:     numBlocks,
		blockSize:     blockSize,
		free:          free,
		numFree:       numBlocks,
		requestBlocks: make(map[int][]int),
		log:           log,
	}
}

// allocateBlock claims the lowest-numbered free block. Returns -1 when the
// pool is exhausted. Caller holds the lock.
func (a *BlockAllocator) allocateBlock() int {
	for i, isFree := range a.free {
		if isFree {
			a.free[i] = false
			a.numFree--
			return i
		}
	}
	return -1
}

// AllocateBlockForRequest claims one block and records it against reqID.
// Returns ErrOutOfBlocks when no block is free; the allocator state is
// unchanged in that case.
func (a *BlockAllocator) AllocateBlockForRequest(reqID int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	blockID := a.allocateBlock()
	if blockID < 0 {
		a.log.WithFields(logrus.Fields{
			"request_id":  reqID,
			"free_blocks": a.numFree,
		}).Debug("block allocation failed")
		return -1, ErrOutOfBlocks
	}

	a.requestBlocks[reqID] = append(a.requestBlocks[reqID], blockID)
	return blockID, nil
}

// AllocateForRequest claims enough blocks to hold numTokens tokens for reqID.
// On failure partway through, every block claimed by this call is returned to
// the pool and the request's ownership list is restored.
func (a *BlockAllocator) AllocateForRequest(reqID, numTokens int) ([]int, error) {
	if numTokens <= 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	needed := (numTokens + a.blockSize - 1) / a.blockSize
	allocated := make([]int, 0, needed)

	for i := 0; i < needed; i++ {
		blockID := a.allocateBlock()
		if blockID < 0 {
			for _, id := range allocated {
				a.free[id] = true
				a.numFree++
			}
			a.log.WithFields(logrus.Fields{
				"request_id": reqID,
				"needed":     needed,
				"got":        len(allocated),
			}).Debug("compound block allocation rolled back")
			return nil, ErrOutOfBlocks
		}
		allocated = append(allocated, blockID)
	}

	a.requestBlocks[reqID] = append(a.requestBlocks[reqID], allocated...)
	return allocated, nil
}

// FreeRequest returns every block owned by reqID to the pool. Unknown ids
// and repeated calls are no-ops.
func (a *BlockAllocator) FreeRequest(reqID int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	blocks, ok := a.requestBlocks[reqID]
	if !ok {
		return
	}

	for _, id := range blocks {
		if a.free[id] {
			continue
		}
		a.free[id] = true
		a.numFree++
	}
	delete(a.requestBlocks, reqID)

	a.log.WithFields(logrus.Fields{
		"request_id":  reqID,
		"freed":       len(blocks),
		"free_blocks": a.numFree,
	}).Debug("request blocks released")
}

// NumFreeBlocks returns the number of blocks currently free.
func (a *BlockAllocator) NumFreeBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numFree
}

// NumBlocks returns the total number of physical blocks.
func (a *BlockAllocator) NumBlocks() int { return a.numBlocks }

// BlockSize returns the block size in tokens.
func (a *BlockAllocator) BlockSize() int { return a.blockSize }

// Utilization returns the used fraction of the pool in [0, 1].
func (a *BlockAllocator) Utilization() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.numBlocks-a.numFree) / float64(a.numBlocks)
}

// NumActiveRequests returns how many requests currently own blocks.
func (a *BlockAllocator) NumActiveRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requestBlocks)
}

// RequestBlocks returns a copy of the block ids owned by reqID, in
// allocation order. Unknown ids return nil.
func (a *BlockAllocator) RequestBlocks(reqID int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	blocks, ok := a.requestBlocks[reqID]
	if !ok {
		return nil
	}
	out := make([]int, len(blocks))
	copy(out, blocks)
	return out
}

// IsFree reports whether blockID is currently unallocated.
func (a *BlockAllocator) IsFree(blockID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free[blockID]
}
