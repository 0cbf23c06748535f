package llmserve

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"paged-llm-go/tensor"
)

// scriptedBackend returns logits with a single spike at whatever next picks,
// so greedy sampling yields a deterministic token stream.
type scriptedBackend struct {
	vocabSize int
	next      func(token, pos int) int
	positions []int
}

func (b *scriptedBackend) logitsFor(token, pos int) []float32 {
	b.positions = append(b.positions, pos)
	logits := make([]float32, b.vocabSize)
	logits[b.next(token, pos)] = 10
	return logits
}

func (b *scriptedBackend) Forward(token, pos int) []float32 {
	return b.logitsFor(token, pos)
}

func (b *scriptedBackend) ForwardPaged(token, pos int, blockTables [][]int) []float32 {
	return b.logitsFor(token, pos)
}

func (b *scriptedBackend) Reset() {}

type stubTokenizer struct{}

func (stubTokenizer) Encode(text string, bos, eos bool) ([]int, error) {
	var ids []int
	if bos && text != "" {
		ids = append(ids, BOSToken)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	return ids, nil
}

func (stubTokenizer) DecodeToken(id int) string { return fmt.Sprintf("[%d]", id) }

const (
	BOSToken  = 1
	testVocab = 32
)

func greedyParams(maxTokens int) SamplingParams {
	return SamplingParams{Temperature: 0, TopP: 0.9, MaxTokens: maxTokens}
}

func testModelConfig(numLayers, maxSeqLen int) *tensor.Config {
	return &tensor.Config{
		Dim:        8,
		HiddenDim:  16,
		NumLayers:  numLayers,
		NumHeads:   2,
		NumKVHeads: 2,
		HeadDim:    4,
		VocabSize:  testVocab,
		MaxSeqLen:  maxSeqLen,
	}
}

func tokenRequest(id int, tokens []int, params SamplingParams) *Request {
	req := NewRequest(id, "prompt", params)
	req.PromptTokens = tokens
	return req
}

func runToCompletion(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; e.HasWork(); i++ {
		require.Less(t, i, 10000, "engine loop did not terminate")
		if e.Step() == nil {
			break
		}
	}
}

func TestEngineEOSAfterOneDecode(t *testing.T) {
	cfg, err := NewConfig(WithBlockSize(4), WithNumBlocks(8))
	require.NoError(t, err)
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return cfg.EOSTokenID }}
	e := NewEngine(cfg, testModelConfig(2, 64), backend, stubTokenizer{}, nil)

	req := tokenRequest(0, []int{1, 5, 7}, greedyParams(16))
	require.NoError(t, e.AddRequest(req))
	runToCompletion(t, e)

	assert.Equal(t, StatusFinished, req.Status)
	assert.Equal(t, ReasonEos, req.FinishedReason)
	assert.Equal(t, []int{cfg.EOSTokenID}, req.GeneratedTokens)
	assert.Empty(t, req.OutputText)
	assert.Equal(t, 4, req.CurrentPos)
	assert.Equal(t, 8, e.Allocator().NumFreeBlocks())
	assert.Equal(t, 0, e.Allocator().NumActiveRequests())
}

func TestEngineChunkedPrefillAdvancesCursor(t *testing.T) {
	cfg, err := NewConfig(WithMaxTokensPerBatch(4), WithBlockSize(4), WithNumBlocks(16))
	require.NoError(t, err)
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return cfg.EOSTokenID }}
	e := NewEngine(cfg, testModelConfig(2, 64), backend, stubTokenizer{}, nil)

	tokens := make([]int, 10)
	for i := range tokens {
		tokens[i] = i + 3
	}
	req := tokenRequest(0, tokens, greedyParams(16))
	require.NoError(t, e.AddRequest(req))

	for _, want := range []struct{ chunk, cursor, pos int }{
		{4, 4, 4}, {4, 8, 8}, {2, 10, 10},
	} {
		batch := e.Step()
		require.NotNil(t, batch)
		assert.True(t, batch.IsPrefill)
		require.Len(t, batch.Entries, 1)
		assert.Equal(t, want.chunk, batch.Entries[0].ScheduledTokens)
		assert.Equal(t, want.cursor, req.PrefillCursor)
		assert.Equal(t, want.pos, req.CurrentPos)
	}
	assert.Equal(t, StatusDecoding, req.Status)
	assert.Equal(t, tokens[len(tokens)-1], req.LastToken)

	batch := e.Step()
	require.NotNil(t, batch)
	assert.False(t, batch.IsPrefill)
	assert.Equal(t, StatusFinished, req.Status)
}

func TestEngineDecodesConcurrently(t *testing.T) {
	cfg, err := NewConfig(WithBlockSize(4), WithNumBlocks(16))
	require.NoError(t, err)
	steps := map[int]int{}
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return 7 }}
	e := NewEngine(cfg, testModelConfig(1, 64), backend, stubTokenizer{}, nil)

	a := tokenRequest(0, []int{1, 4}, greedyParams(3))
	b := tokenRequest(1, []int{1, 9}, greedyParams(3))
	require.NoError(t, e.AddRequest(a))
	require.NoError(t, e.AddRequest(b))

	batch := e.Step()
	require.NotNil(t, batch)
	assert.True(t, batch.IsPrefill)
	assert.Len(t, batch.Entries, 2)

	for e.HasWork() {
		batch := e.Step()
		require.NotNil(t, batch)
		assert.False(t, batch.IsPrefill)
		for _, entry := range batch.Entries {
			steps[entry.Request.ID]++
		}
	}

	assert.Equal(t, map[int]int{0: 3, 1: 3}, steps)
	assert.Equal(t, ReasonMaxTokens, a.FinishedReason)
	assert.Equal(t, ReasonMaxTokens, b.FinishedReason)
	assert.Equal(t, "[7][7][7]", a.OutputText)
}

func TestEngineOOMIsolation(t *testing.T) {
	cfg, err := NewConfig(WithBlockSize(4), WithNumBlocks(1))
	require.NoError(t, err)
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return 3 }}
	e := NewEngine(cfg, testModelConfig(1, 64), backend, stubTokenizer{}, nil)

	a := tokenRequest(0, []int{1, 4}, greedyParams(1))
	b := tokenRequest(1, []int{1, 9}, greedyParams(1))
	require.NoError(t, e.AddRequest(a))
	require.NoError(t, e.AddRequest(b))
	runToCompletion(t, e)

	assert.Equal(t, StatusFinished, a.Status)
	assert.Equal(t, ReasonMaxTokens, a.FinishedReason)
	assert.Equal(t, []int{3}, a.GeneratedTokens)

	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, ReasonOOM, b.FinishedReason)
	assert.Empty(t, b.GeneratedTokens)
	assert.Nil(t, b.BlockTables)

	assert.Equal(t, 1, e.Allocator().NumFreeBlocks())
	assert.Equal(t, 0, e.Allocator().NumActiveRequests())
}

func TestEngineMaxSeqLenStopsDecode(t *testing.T) {
	cfg, err := NewConfig(WithBlockSize(4), WithNumBlocks(8))
	require.NoError(t, err)
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return 3 }}
	e := NewEngine(cfg, testModelConfig(1, 8), backend, stubTokenizer{}, nil)

	req := tokenRequest(0, []int{1, 4, 5, 6}, greedyParams(100))
	require.NoError(t, e.AddRequest(req))
	runToCompletion(t, e)

	assert.Equal(t, ReasonMaxSeqLen, req.FinishedReason)
	assert.Equal(t, 4, req.NumGeneratedTokens())
	assert.Equal(t, 8, req.CurrentPos)
}

func TestEngineContiguousMode(t *testing.T) {
	cfg, err := NewConfig(WithPagedAttention(false))
	require.NoError(t, err)
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return cfg.EOSTokenID }}
	e := NewEngine(cfg, testModelConfig(2, 64), backend, stubTokenizer{}, nil)
	assert.Nil(t, e.Allocator())

	req := tokenRequest(0, []int{1, 5, 7}, greedyParams(16))
	require.NoError(t, e.AddRequest(req))
	runToCompletion(t, e)

	assert.Equal(t, StatusFinished, req.Status)
	assert.Equal(t, ReasonEos, req.FinishedReason)
	assert.Nil(t, req.BlockTables)
	assert.Equal(t, []int{0, 1, 2, 3}, backend.positions)
}

func TestEngineRejectsBadPrompts(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return 3 }}
	e := NewEngine(cfg, testModelConfig(1, 8), backend, stubTokenizer{}, nil)

	empty := NewRequest(0, "", DefaultSamplingParams())
	assert.ErrorIs(t, e.AddRequest(empty), ErrEmptyPrompt)

	long := tokenRequest(1, make([]int, 8), DefaultSamplingParams())
	assert.Error(t, e.AddRequest(long))
	assert.False(t, e.HasWork())
}

func TestEngineRunAllMetrics(t *testing.T) {
	cfg, err := NewConfig(WithBlockSize(4), WithNumBlocks(16))
	require.NoError(t, err)
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return cfg.EOSTokenID }}
	e := NewEngine(cfg, testModelConfig(2, 64), backend, stubTokenizer{}, nil)

	reqs := []*Request{
		tokenRequest(0, []int{1, 5, 7}, greedyParams(16)),
		tokenRequest(1, []int{1, 9}, greedyParams(16)),
	}
	metrics, err := e.RunAll(reqs, false)
	require.NoError(t, err)

	assert.Equal(t, 2, metrics.TotalRequests)
	assert.Equal(t, 5, metrics.TotalPromptTokens)
	assert.Equal(t, 2, metrics.TotalGeneratedTokens)
	assert.Greater(t, metrics.ContiguousKVBytes, metrics.PagedKVBytes)
}

func TestEngineRunAsyncDrainsAllArrivals(t *testing.T) {
	cfg, err := NewConfig(WithBlockSize(4), WithNumBlocks(64), WithArrivalWaitMillis(5))
	require.NoError(t, err)
	backend := &scriptedBackend{vocabSize: testVocab, next: func(token, pos int) int { return cfg.EOSTokenID }}
	e := NewEngine(cfg, testModelConfig(1, 64), backend, stubTokenizer{}, nil)

	delays := []int{0, 10, 10, 30, 30}
	requests := make([]*Request, len(delays))
	for i, d := range delays {
		requests[i] = tokenRequest(i, []int{1, i + 3}, greedyParams(4))
		requests[i].ArrivalDelay = time.Duration(d) * time.Millisecond
	}

	queue := NewArrivalQueue()
	submitter := NewSubmitter(queue, requests, nil)

	var metrics *Metrics
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return submitter.Run(ctx) })
	g.Go(func() error {
		m, err := e.RunAsync(queue)
		metrics = m
		return err
	})
	require.NoError(t, g.Wait())

	require.NotNil(t, metrics)
	assert.Equal(t, len(delays), metrics.TotalRequests)
	for _, req := range requests {
		assert.Equal(t, StatusFinished, req.Status)
		assert.Equal(t, ReasonEos, req.FinishedReason)
	}
	assert.Equal(t, 64, e.Allocator().NumFreeBlocks())
}
