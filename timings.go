// timings.go: rolling window of compute durations reported by /health

package main

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const defaultTimingWindow = 256

// TimingStats summarizes recent compute durations in milliseconds.
type TimingStats struct {
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// TimingRecorder keeps the last window durations in a ring buffer.
type TimingRecorder struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func NewTimingRecorder(window int) *TimingRecorder {
	if window < 1 {
		window = defaultTimingWindow
	}
	return &TimingRecorder{samples: make([]float64, window)}
}

func (r *TimingRecorder) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = float64(d) / float64(time.Millisecond)
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *TimingRecorder) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.samples)
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}

// Stats returns a summary of the window. An empty window yields zeros.
func (r *TimingRecorder) Stats() TimingStats {
	data := stats.Float64Data(r.snapshot())
	if data.Len() == 0 {
		return TimingStats{}
	}

	// The stats helpers only fail on empty input, which is ruled out above.
	mean, _ := stats.Mean(data)
	p50, _ := stats.Median(data)
	p95, _ := stats.Percentile(data, 95)
	max, _ := stats.Max(data)

	return TimingStats{
		Count:  data.Len(),
		MeanMs: mean,
		P50Ms:  p50,
		P95Ms:  p95,
		MaxMs:  max,
	}
}
