package llmserve

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"paged-llm-go/tensor"
)

// Tokenizer is the engine's view of text<->token conversion.
type Tokenizer interface {
	Encode(text string, bos, eos bool) ([]int, error)
	DecodeToken(id int) string
}

// ErrEmptyPrompt is returned when a request tokenizes to nothing.
var ErrEmptyPrompt = errors.New("request has an empty prompt")

// Engine is the cooperative serving loop: drain arrivals, schedule one
// single-phase batch, dispatch it, repeat. It owns the scheduler, the block
// allocator (in paged mode) and the forward driver; the model is behind the
// Backend interface.
type Engine struct {
	cfg      *Config
	modelCfg *tensor.Config

	tok    Tokenizer
	sched  *Scheduler
	alloc  *BlockAllocator
	runner *Runner

	log *logrus.Logger
}

// NewEngine assembles the serving loop around a backend and tokenizer. A nil
// logger falls back to the standard logger.
func NewEngine(cfg *Config, modelCfg *tensor.Config, backend Backend, tok Tokenizer, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var alloc *BlockAllocator
	if cfg.UsePagedAttention {
		alloc = NewBlockAllocator(cfg.NumBlocks, cfg.BlockSize, log)
	}

	return &Engine{
		cfg:      cfg,
		modelCfg: modelCfg,
		tok:      tok,
		sched:    NewScheduler(cfg, log),
		alloc:    alloc,
		runner:   NewRunner(cfg, modelCfg, backend, alloc, tok, log),
		log:      log,
	}
}

// Allocator exposes the block allocator, nil in contiguous mode.
func (e *Engine) Allocator() *BlockAllocator { return e.alloc }

// SetStream directs decoded pieces to w as they are generated.
func (e *Engine) SetStream(w io.Writer) { e.runner.SetStream(w) }

// Reset clears backend sequence state so the next request can start at
// position zero. Used between sequential single-request runs.
func (e *Engine) Reset() { e.runner.Reset() }

// AddRequest tokenizes the prompt if needed and hands the request to the
// scheduler.
func (e *Engine) AddRequest(req *Request) error {
	if len(req.PromptTokens) == 0 {
		tokens, err := e.tok.Encode(req.Prompt, true, false)
		if err != nil {
			return fmt.Errorf("encode prompt for request %d: %w", req.ID, err)
		}
		req.PromptTokens = tokens
	}
	if len(req.PromptTokens) == 0 {
		return ErrEmptyPrompt
	}
	if len(req.PromptTokens) >= e.modelCfg.MaxSeqLen {
		return fmt.Errorf("request %d: prompt of %d tokens exceeds max sequence length %d",
			req.ID, len(req.PromptTokens), e.modelCfg.MaxSeqLen)
	}
	e.sched.AddRequest(req)
	return nil
}

// Step schedules and dispatches one batch. The returned batch is nil when
// there was nothing to do.
func (e *Engine) Step() *ScheduledBatch {
	batch := e.sched.Schedule()
	e.runner.RunBatch(batch, e.sched)
	return batch
}

// HasWork reports whether the scheduler still holds live requests.
func (e *Engine) HasWork() bool { return e.sched.HasWork() }

// RunAll drives a fixed set of requests to completion and returns the run's
// metrics. With showProgress a bar tracks completions and live throughput.
func (e *Engine) RunAll(requests []*Request, showProgress bool) (*Metrics, error) {
	start := time.Now()
	for _, req := range requests {
		if err := e.AddRequest(req); err != nil {
			return nil, err
		}
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(requests),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	finished := 0
	var prefillRate, decodeRate float64

	for e.HasWork() {
		stepStart := time.Now()
		batch := e.Step()
		if batch == nil {
			break
		}
		elapsed := time.Since(stepStart).Seconds()

		if showProgress {
			if elapsed > 0 {
				if batch.IsPrefill {
					prefillRate = float64(batch.TotalScheduledTokens()) / elapsed
				} else {
					decodeRate = float64(batch.NumRequests()) / elapsed
				}
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillRate), int(decodeRate)))

			done := 0
			for _, req := range requests {
				if req.IsFinished() {
					done++
				}
			}
			if done > finished {
				bar.Add(done - finished)
				finished = done
			}
		}
	}
	if showProgress {
		bar.Finish()
	}

	return e.collectMetrics(requests, time.Since(start)), nil
}

// RunAsync consumes requests from an arrival queue until the producer is
// done and all admitted work has completed. When idle it waits on the queue
// with a bounded timeout so a late MarkDone cannot strand the loop.
func (e *Engine) RunAsync(queue *ArrivalQueue) (*Metrics, error) {
	start := time.Now()
	wait := time.Duration(e.cfg.ArrivalWaitMillis) * time.Millisecond
	var accepted []*Request

	for {
		for _, req := range queue.Drain() {
			if err := e.AddRequest(req); err != nil {
				return nil, err
			}
			accepted = append(accepted, req)
		}

		if e.HasWork() {
			e.Step()
			continue
		}
		if queue.IsDone() && !queue.HasPending() {
			break
		}
		queue.WaitForArrivals(wait)
	}

	return e.collectMetrics(accepted, time.Since(start)), nil
}

func (e *Engine) collectMetrics(requests []*Request, wall time.Duration) *Metrics {
	m := &Metrics{TotalWallTime: wall}

	kvDim := e.modelCfg.KVDim()
	perPosBytes := int64(2 * 4 * e.modelCfg.NumLayers * kvDim)

	for _, req := range requests {
		m.AddRequest(req)

		m.ContiguousKVBytes += perPosBytes * int64(e.modelCfg.MaxSeqLen)
		if e.cfg.UsePagedAttention {
			blocks := (req.CurrentPos + e.cfg.BlockSize - 1) / e.cfg.BlockSize
			m.PagedKVBytes += perPosBytes * int64(blocks*e.cfg.BlockSize)
		}
	}
	return m
}
