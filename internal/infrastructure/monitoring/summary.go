package monitoring

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// SummaryStats are aggregate syscall latency figures over the ring window.
type SummaryStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_seconds"`
	StdDev float64 `json:"stddev_seconds"`
	P50    float64 `json:"p50_seconds"`
	P95    float64 `json:"p95_seconds"`
	P99    float64 `json:"p99_seconds"`
}

// latencyRing keeps the most recent N observations for percentile queries
// the histogram buckets are too coarse for.
type latencyRing struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{buf: make([]float64, size)}
}

func (r *latencyRing) observe(v float64) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *latencyRing) summary() SummaryStats {
	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	window := make([]float64, n)
	copy(window, r.buf[:n])
	r.mu.Unlock()

	if n == 0 {
		return SummaryStats{}
	}

	mean, std := stat.MeanStdDev(window, nil)
	if n == 1 {
		std = 0
	}
	sort.Float64s(window)
	return SummaryStats{
		Count:  n,
		Mean:   mean,
		StdDev: std,
		P50:    stat.Quantile(0.50, stat.Empirical, window, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, window, nil),
		P99:    stat.Quantile(0.99, stat.Empirical, window, nil),
	}
}
