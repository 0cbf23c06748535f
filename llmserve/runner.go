package llmserve

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"paged-llm-go/tensor"
)

// Backend is the model seen from the driver: one token in, logits out. The
// returned slice is only valid until the next forward call.
type Backend interface {
	Forward(token, pos int) []float32
	ForwardPaged(token, pos int, blockTables [][]int) []float32
	Reset()
}

// TokenDecoder turns a single token id into its text piece.
type TokenDecoder interface {
	DecodeToken(id int) string
}

// Runner executes scheduled batches: it drives prompt chunks and decode
// steps through the Backend, grows block tables at block boundaries, samples
// next tokens, detects completion and returns blocks to the allocator.
type Runner struct {
	cfg      *Config
	modelCfg *tensor.Config
	backend  Backend
	alloc    *BlockAllocator // nil in contiguous mode
	decoder  TokenDecoder

	samplers map[int]*tensor.Sampler
	stream   io.Writer

	log *logrus.Logger
}

// NewRunner wires the driver. alloc must be non-nil exactly when the serving
// config enables paged attention. A nil logger falls back to the standard
// logger.
func NewRunner(cfg *Config, modelCfg *tensor.Config, backend Backend, alloc *BlockAllocator, decoder TokenDecoder, log *logrus.Logger) *Runner {
	if cfg.UsePagedAttention && alloc == nil {
		panic("runner: paged mode needs a block allocator")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		cfg:      cfg,
		modelCfg: modelCfg,
		backend:  backend,
		alloc:    alloc,
		decoder:  decoder,
		samplers: make(map[int]*tensor.Sampler),
		log:      log,
	}
}

// SetStream directs decoded text pieces to w as they are generated.
func (r *Runner) SetStream(w io.Writer) { r.stream = w }

// Reset clears backend sequence state between single-sequence runs.
func (r *Runner) Reset() { r.backend.Reset() }

// RunBatch executes one scheduled batch against the backend.
func (r *Runner) RunBatch(batch *ScheduledBatch, sched *Scheduler) {
	if batch == nil || len(batch.Entries) == 0 {
		return
	}
	if batch.IsPrefill {
		r.runPrefill(batch, sched)
	} else {
		r.runDecode(batch, sched)
	}
}

func (r *Runner) runPrefill(batch *ScheduledBatch, sched *Scheduler) {
	for _, e := range batch.Entries {
		req, chunk := e.Request, e.ScheduledTokens
		start := time.Now()

		for t := 0; t < chunk; t++ {
			idx := req.PrefillCursor + t
			if idx >= req.NumPromptTokens() {
				break
			}
			if _, ok := r.forwardOne(req, req.PromptTokens[idx], sched); !ok {
				break
			}
		}
		if req.Status == StatusFailed {
			continue
		}

		req.PrefillCursor += chunk
		if req.PrefillCursor >= req.NumPromptTokens() {
			req.LastToken = req.PromptTokens[req.NumPromptTokens()-1]
			req.Status = StatusDecoding
		}
		req.PrefillTime += time.Since(start)
	}
}

func (r *Runner) runDecode(batch *ScheduledBatch, sched *Scheduler) {
	for _, e := range batch.Entries {
		req := e.Request
		start := time.Now()

		logits, ok := r.forwardOne(req, req.LastToken, sched)
		if !ok {
			continue
		}

		sampled := r.samplerFor(req).Sample(logits)
		req.GeneratedTokens = append(req.GeneratedTokens, sampled)
		req.LastToken = sampled

		if sampled != r.cfg.EOSTokenID && r.decoder != nil {
			piece := r.decoder.DecodeToken(sampled)
			req.OutputText += piece
			if r.stream != nil {
				io.WriteString(r.stream, piece)
			}
		}

		switch {
		case sampled == r.cfg.EOSTokenID:
			r.finish(req, ReasonEos, sched)
		case req.NumGeneratedTokens() >= req.SamplingParams.MaxTokens:
			r.finish(req, ReasonMaxTokens, sched)
		case req.CurrentPos >= r.modelCfg.MaxSeqLen:
			r.finish(req, ReasonMaxSeqLen, sched)
		}

		req.DecodeTime += time.Since(start)
	}
}

// forwardOne pushes one token through the backend at the request's current
// position, growing the block tables first when the position enters a new
// block. Reports false when the request failed on allocation.
func (r *Runner) forwardOne(req *Request, token int, sched *Scheduler) ([]float32, bool) {
	var logits []float32
	if r.cfg.UsePagedAttention {
		if req.CurrentPos%r.cfg.BlockSize == 0 {
			if !r.growBlockTables(req, sched) {
				return nil, false
			}
		}
		logits = r.backend.ForwardPaged(token, req.CurrentPos, req.BlockTables)
	} else {
		logits = r.backend.Forward(token, req.CurrentPos)
	}
	req.CurrentPos++
	req.NumComputedTokens++
	return logits, true
}

// growBlockTables appends one fresh physical block to every layer's table.
// On exhaustion the request fails with reason OOM, all its blocks go back to
// the pool and it leaves the running set; other requests are untouched.
func (r *Runner) growBlockTables(req *Request, sched *Scheduler) bool {
	if req.BlockTables == nil {
		req.BlockTables = make([][]int, r.modelCfg.NumLayers)
	}
	for l := 0; l < r.modelCfg.NumLayers; l++ {
		blockID, err := r.alloc.AllocateBlockForRequest(req.ID)
		if err != nil {
			req.Status = StatusFailed
			req.FinishedReason = ReasonOOM
			r.alloc.FreeRequest(req.ID)
			req.BlockTables = nil
			sched.FinishRequest(req)
			delete(r.samplers, req.ID)
			r.log.WithFields(logrus.Fields{
				"request_id": req.ID,
				"position":   req.CurrentPos,
			}).Warn("request failed: out of kv cache blocks")
			return false
		}
		req.BlockTables[l] = append(req.BlockTables[l], blockID)
	}
	return true
}

func (r *Runner) finish(req *Request, reason FinishReason, sched *Scheduler) {
	req.FinishedReason = reason
	if r.alloc != nil {
		r.alloc.FreeRequest(req.ID)
	}
	sched.FinishRequest(req)
	delete(r.samplers, req.ID)

	r.log.WithFields(logrus.Fields{
		"request_id":       req.ID,
		"reason":           reason.String(),
		"generated_tokens": req.NumGeneratedTokens(),
	}).Debug("request finished")
}

// samplerFor returns the request's sampler, creating it on first use with a
// seed derived from the prompt bytes and the request id so runs are
// reproducible without sharing one RNG across requests.
func (r *Runner) samplerFor(req *Request) *tensor.Sampler {
	if s, ok := r.samplers[req.ID]; ok {
		return s
	}

	h := xxhash.New()
	h.WriteString(req.Prompt)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(req.ID))
	h.Write(buf[:])
	seed := int64(h.Sum64()) ^ r.cfg.SamplerSeed

	s := tensor.NewSampler(r.modelCfg.VocabSize, req.SamplingParams.Temperature,
		req.SamplingParams.TopP, seed)
	r.samplers[req.ID] = s
	return s
}
