package llmserve

import (
	"container/list"

	"github.com/sirupsen/logrus"
)

// BatchEntry pairs a request with the number of tokens scheduled for it in
// one batch. Decode entries always carry one token; prefill entries carry a
// chunk of the remaining prompt.
type BatchEntry struct {
	Request         *Request
	ScheduledTokens int
}

// ScheduledBatch is one engine tick's worth of work. A batch is homogeneous:
// either every entry is a prefill chunk or every entry is a single decode
// token, never a mix.
type ScheduledBatch struct {
	Entries   []BatchEntry
	IsPrefill bool
}

// TotalScheduledTokens sums the scheduled token counts of all entries.
func (b *ScheduledBatch) TotalScheduledTokens() int {
	total := 0
	for _, e := range b.Entries {
		total += e.ScheduledTokens
	}
	return total
}

// NumRequests returns the number of entries in the batch.
func (b *ScheduledBatch) NumRequests() int { return len(b.Entries) }

// Scheduler forms homogeneous batches under a request-count cap and a token
// budget. Decode steps take priority over prefill so running requests keep
// producing output while new prompts are chunked in behind them.
type Scheduler struct {
	maxBatchSize      int
	maxTokensPerBatch int

	pending *list.List // *Request, FIFO
	running []*Request // insertion order

	log *logrus.Logger
}

// NewScheduler creates a scheduler from the serving config. A nil logger
// falls back to the standard logger.
func NewScheduler(cfg *Config, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		maxBatchSize:      cfg.MaxBatchSize,
		maxTokensPerBatch: cfg.MaxTokensPerBatch,
		pending:           list.New(),
		running:           nil,
		log:               log,
	}
}

// AddRequest appends a request to the pending queue.
func (s *Scheduler) AddRequest(req *Request) {
	req.Status = StatusPending
	s.pending.PushBack(req)
	s.log.WithFields(logrus.Fields{
		"request_id":    req.ID,
		"prompt_tokens": req.NumPromptTokens(),
	}).Debug("request queued")
}

// Schedule forms the next batch. Decode has priority: if any running request
// is in the decode phase, the batch holds one token for each of them (up to
// the caps) and no prefill work. Otherwise prompt chunks are scheduled, first
// for running requests whose prefill is incomplete, then for newly admitted
// pending requests. Returns nil when there is nothing to schedule.
func (s *Scheduler) Schedule() *ScheduledBatch {
	if batch := s.scheduleDecode(); batch != nil {
		return batch
	}
	return s.schedulePrefill()
}

func (s *Scheduler) scheduleDecode() *ScheduledBatch {
	batch := &ScheduledBatch{IsPrefill: false}
	budget := s.maxTokensPerBatch

	for _, req := range s.running {
		if req.Status != StatusDecoding {
			continue
		}
		if len(batch.Entries) >= s.maxBatchSize || budget < 1 {
			break
		}
		batch.Entries = append(batch.Entries, BatchEntry{Request: req, ScheduledTokens: 1})
		budget--
	}

	if len(batch.Entries) == 0 {
		return nil
	}
	return batch
}

func (s *Scheduler) schedulePrefill() *ScheduledBatch {
	batch := &ScheduledBatch{IsPrefill: true}
	budget := s.maxTokensPerBatch

	// Requests already admitted but mid-prefill get their next chunk first,
	// otherwise a chunked prompt could starve behind new admissions.
	for _, req := range s.running {
		if req.Status != StatusPrefilling {
			continue
		}
		if len(batch.Entries) >= s.maxBatchSize || budget < 1 {
			break
		}
		chunk := min(req.RemainingPrompt(), budget)
		if chunk < 1 {
			continue
		}
		batch.Entries = append(batch.Entries, BatchEntry{Request: req, ScheduledTokens: chunk})
		budget -= chunk
	}

	for s.pending.Len() > 0 && len(batch.Entries) < s.maxBatchSize {
		elem := s.pending.Front()
		req := elem.Value.(*Request)

		chunk := min(req.RemainingPrompt(), budget)
		if chunk < 1 {
			if len(batch.Entries) > 0 {
				break
			}
			// An empty batch always admits the head request, even when its
			// prompt alone exceeds the budget; it just prefills in chunks.
			chunk = min(req.RemainingPrompt(), s.maxTokensPerBatch)
		}

		s.pending.Remove(elem)
		req.Status = StatusPrefilling
		s.running = append(s.running, req)

		batch.Entries = append(batch.Entries, BatchEntry{Request: req, ScheduledTokens: chunk})
		budget -= chunk
	}

	if len(batch.Entries) == 0 {
		return nil
	}
	return batch
}

// FinishRequest marks a request terminal and removes it from the running
// set. Requests that already failed keep their status. A request that is not
// in the running set still has its status updated; the set is unchanged.
func (s *Scheduler) FinishRequest(req *Request) {
	if req.Status != StatusFailed {
		req.Status = StatusFinished
	}
	for i, r := range s.running {
		if r.ID == req.ID {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return
		}
	}
}

// HasWork reports whether any request is pending or running.
func (s *Scheduler) HasWork() bool { return s.pending.Len() > 0 || len(s.running) > 0 }

// HasPending reports whether any request awaits admission.
func (s *Scheduler) HasPending() bool { return s.pending.Len() > 0 }

// HasRunning reports whether any admitted request is still active.
func (s *Scheduler) HasRunning() bool { return len(s.running) > 0 }

// NumPending returns the pending queue length.
func (s *Scheduler) NumPending() int { return s.pending.Len() }

// NumRunning returns the number of admitted, unfinished requests.
func (s *Scheduler) NumRunning() int { return len(s.running) }
