package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the number of recent requests kept for the summary.
const DefaultWindowSize = 500

// Sample is one completed request.
type Sample struct {
	Latency    time.Duration
	StatusCode int
	Paid       bool
}

// Window is a fixed-size ring of recent request samples.
type Window struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool
}

// NewWindow returns a window holding at most size samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{samples: make([]Sample, size)}
}

// Add appends a sample, evicting the oldest once the window is full.
func (w *Window) Add(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// WindowSummary aggregates the samples currently in the window.
type WindowSummary struct {
	WindowSize   int     `json:"windowSize"`
	CallsTotal   int     `json:"callsTotal"`
	PaidCalls    int     `json:"paidCalls"`
	FailureRate  float64 `json:"failureRate"`
	P95LatencyMs int64   `json:"p95LatencyMs"`
}

// Summary computes call counts, the failure rate (status >= 400, rounded to
// four decimals) and the nearest-rank p95 latency in milliseconds.
func (w *Window) Summary() WindowSummary {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	snapshot := make([]Sample, n)
	copy(snapshot, w.samples[:n])
	w.mu.Unlock()

	var s WindowSummary
	s.WindowSize = n
	s.CallsTotal = n
	if n == 0 {
		return s
	}

	latencies := make([]int64, 0, n)
	failures := 0
	for _, smp := range snapshot {
		latencies = append(latencies, smp.Latency.Milliseconds())
		if smp.Paid {
			s.PaidCalls++
		}
		if smp.StatusCode >= 400 {
			failures++
		}
	}
	s.FailureRate = math.Round(float64(failures)/float64(n)*1e4) / 1e4
	s.P95LatencyMs = p95(latencies)
	return s
}

func p95(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	idx := int(math.Ceil(float64(len(values))*0.95)) - 1
	if idx >= len(values) {
		idx = len(values) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return values[idx]
}
