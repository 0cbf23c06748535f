package llmserve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsAddRequest(t *testing.T) {
	req := NewRequest(0, "p", DefaultSamplingParams())
	req.PromptTokens = []int{1, 2, 3}
	req.GeneratedTokens = []int{4, 5}
	req.PrefillTime = 100 * time.Millisecond
	req.DecodeTime = 200 * time.Millisecond

	var m Metrics
	m.AddRequest(req)

	assert.Equal(t, 1, m.TotalRequests)
	assert.Equal(t, 3, m.TotalPromptTokens)
	assert.Equal(t, 2, m.TotalGeneratedTokens)
	assert.Equal(t, 100*time.Millisecond, m.TotalPrefillTime)
	assert.Equal(t, 200*time.Millisecond, m.TotalDecodeTime)
}

func TestMetricsMerge(t *testing.T) {
	a := &Metrics{TotalRequests: 1, TotalPromptTokens: 3, TotalWallTime: time.Second, PagedKVBytes: 10}
	b := &Metrics{TotalRequests: 2, TotalPromptTokens: 5, TotalWallTime: 2 * time.Second, PagedKVBytes: 20}

	a.Merge(b)
	assert.Equal(t, 3, a.TotalRequests)
	assert.Equal(t, 8, a.TotalPromptTokens)
	assert.Equal(t, 3*time.Second, a.TotalWallTime)
	assert.Equal(t, int64(30), a.PagedKVBytes)
}

func TestMetricsRatesGuardZeroTime(t *testing.T) {
	var m Metrics
	m.TotalPromptTokens = 100
	m.TotalGeneratedTokens = 50

	assert.Equal(t, 0.0, m.PrefillTokensPerSec())
	assert.Equal(t, 0.0, m.DecodeTokensPerSec())
	assert.Equal(t, 0.0, m.OverallTokensPerSec())

	m.TotalPrefillTime = 2 * time.Second
	m.TotalDecodeTime = time.Second
	m.TotalWallTime = 3 * time.Second
	assert.InDelta(t, 50.0, m.PrefillTokensPerSec(), 1e-9)
	assert.InDelta(t, 50.0, m.DecodeTokensPerSec(), 1e-9)
	assert.InDelta(t, 50.0, m.OverallTokensPerSec(), 1e-9)
}

func TestMetricsReport(t *testing.T) {
	m := &Metrics{TotalRequests: 2, TotalPromptTokens: 10, TotalGeneratedTokens: 4}
	report := m.Report()
	assert.Contains(t, report, "requests:          2")
	assert.NotContains(t, report, "kv cache")

	m.ContiguousKVBytes = 4096
	m.PagedKVBytes = 1024
	report = m.Report()
	assert.Contains(t, report, "kv cache (full):   4.00 KiB")
	assert.Contains(t, report, "kv cache (paged):  1.00 KiB")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KiB", FormatBytes(1024))
	assert.Equal(t, "1.50 MiB", FormatBytes(3*1024*1024/2))
	assert.Equal(t, "2.00 GiB", FormatBytes(2*1024*1024*1024))
}
