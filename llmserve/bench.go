package llmserve

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// benchmarkInput mirrors the JSON benchmark file: an object with a
// "requests" array. Unknown keys are ignored.
type benchmarkInput struct {
	Requests []benchmarkRequest `json:"requests"`
}

type benchmarkRequest struct {
	Prompt             string   `json:"prompt"`
	Temperature        *float32 `json:"temperature"`
	TopP               *float32 `json:"top_p"`
	MaxTokens          *int     `json:"max_tokens"`
	ArrivalDelayMillis *int     `json:"arrival_delay_ms"`
}

// LoadBenchmarkFile parses a JSON benchmark input into requests with ids
// assigned in file order. Missing sampling fields take the benchmark
// defaults; entries with an empty prompt are rejected.
func LoadBenchmarkFile(path string) ([]*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read benchmark input %s: %w", path, err)
	}

	var input benchmarkInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("parse benchmark input %s: %w", path, err)
	}
	if len(input.Requests) == 0 {
		return nil, fmt.Errorf("benchmark input %s: no requests", path)
	}

	requests := make([]*Request, 0, len(input.Requests))
	for i, br := range input.Requests {
		if br.Prompt == "" {
			return nil, fmt.Errorf("benchmark input %s: request %d has an empty prompt", path, i)
		}

		params := DefaultSamplingParams()
		if br.Temperature != nil {
			params.Temperature = *br.Temperature
		}
		if br.TopP != nil {
			params.TopP = *br.TopP
		}
		if br.MaxTokens != nil {
			params.MaxTokens = *br.MaxTokens
		}

		req := NewRequest(i, br.Prompt, params)
		if br.ArrivalDelayMillis != nil {
			req.ArrivalDelay = time.Duration(*br.ArrivalDelayMillis) * time.Millisecond
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// Submitter replays requests into an arrival queue, sleeping each request's
// arrival delay before submitting it. Delays are relative to the previous
// submission. MarkDone always fires, even on cancellation, so the consumer
// loop can terminate.
type Submitter struct {
	queue    *ArrivalQueue
	requests []*Request
	log      *logrus.Logger
}

// NewSubmitter creates a producer over the given requests. A nil logger
// falls back to the standard logger.
func NewSubmitter(queue *ArrivalQueue, requests []*Request, log *logrus.Logger) *Submitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Submitter{queue: queue, requests: requests, log: log}
}

// Run submits every request in order, honoring arrival delays. It returns
// early when ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) error {
	defer s.queue.MarkDone()

	for _, req := range s.requests {
		if req.ArrivalDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(req.ArrivalDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		s.queue.Submit(req)
		s.log.WithFields(logrus.Fields{
			"request_id": req.ID,
			"delay":      req.ArrivalDelay,
		}).Debug("request arrived")
	}
	return nil
}
