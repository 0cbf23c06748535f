package llmserve

import (
	"fmt"
	"strings"
	"time"
)

// Metrics aggregates a run's token counts and timings into throughput
// figures, plus a comparison of KV memory a full-length contiguous cache
// would need against what the paged blocks actually used.
type Metrics struct {
	TotalRequests        int
	TotalPromptTokens    int
	TotalGeneratedTokens int

	TotalPrefillTime time.Duration
	TotalDecodeTime  time.Duration
	TotalWallTime    time.Duration

	ContiguousKVBytes int64
	PagedKVBytes      int64
}

// AddRequest folds one finished request into the totals.
func (m *Metrics) AddRequest(req *Request) {
	m.TotalRequests++
	m.TotalPromptTokens += req.NumPromptTokens()
	m.TotalGeneratedTokens += req.NumGeneratedTokens()
	m.TotalPrefillTime += req.PrefillTime
	m.TotalDecodeTime += req.DecodeTime
}

// Merge folds another run's totals into m. Used by the sequential benchmark
// mode, which runs one engine pass per request.
func (m *Metrics) Merge(o *Metrics) {
	m.TotalRequests += o.TotalRequests
	m.TotalPromptTokens += o.TotalPromptTokens
	m.TotalGeneratedTokens += o.TotalGeneratedTokens
	m.TotalPrefillTime += o.TotalPrefillTime
	m.TotalDecodeTime += o.TotalDecodeTime
	m.TotalWallTime += o.TotalWallTime
	m.ContiguousKVBytes += o.ContiguousKVBytes
	m.PagedKVBytes += o.PagedKVBytes
}

// PrefillTokensPerSec returns prompt-token throughput over prefill time.
func (m *Metrics) PrefillTokensPerSec() float64 {
	return safeRate(m.TotalPromptTokens, m.TotalPrefillTime)
}

// DecodeTokensPerSec returns generated-token throughput over decode time.
func (m *Metrics) DecodeTokensPerSec() float64 {
	return safeRate(m.TotalGeneratedTokens, m.TotalDecodeTime)
}

// OverallTokensPerSec returns all-token throughput over wall time.
func (m *Metrics) OverallTokensPerSec() float64 {
	return safeRate(m.TotalPromptTokens+m.TotalGeneratedTokens, m.TotalWallTime)
}

func safeRate(tokens int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}

// Report renders the totals as a human-readable summary.
func (m *Metrics) Report() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "requests:          %d\n", m.TotalRequests)
	fmt.Fprintf(&sb, "prompt tokens:     %d\n", m.TotalPromptTokens)
	fmt.Fprintf(&sb, "generated tokens:  %d\n", m.TotalGeneratedTokens)
	fmt.Fprintf(&sb, "prefill time:      %.3fs (%.1f tok/s)\n",
		m.TotalPrefillTime.Seconds(), m.PrefillTokensPerSec())
	fmt.Fprintf(&sb, "decode time:       %.3fs (%.1f tok/s)\n",
		m.TotalDecodeTime.Seconds(), m.DecodeTokensPerSec())
	fmt.Fprintf(&sb, "wall time:         %.3fs (%.1f tok/s)\n",
		m.TotalWallTime.Seconds(), m.OverallTokensPerSec())
	if m.ContiguousKVBytes > 0 {
		fmt.Fprintf(&sb, "kv cache (full):   %s\n", FormatBytes(m.ContiguousKVBytes))
		fmt.Fprintf(&sb, "kv cache (paged):  %s\n", FormatBytes(m.PagedKVBytes))
	}
	return sb.String()
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
