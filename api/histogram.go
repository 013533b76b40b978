package api

import (
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"
)

// durationBuckets are the upper bounds, in seconds, of the request-duration
// histogram. Chosen to straddle both fast reads and full sandbox runs.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// DurationHistogram accumulates request latencies and renders them in the
// Prometheus text exposition. All operations are lock-free.
type DurationHistogram struct {
	counts   []atomic.Int64 // one per bucket, plus the +Inf overflow
	count    atomic.Int64
	sumNanos atomic.Int64
}

// NewDurationHistogram creates an empty histogram
func NewDurationHistogram() *DurationHistogram {
	return &DurationHistogram{counts: make([]atomic.Int64, len(durationBuckets)+1)}
}

// Observe records one request duration
func (h *DurationHistogram) Observe(d time.Duration) {
	seconds := d.Seconds()
	idx := len(durationBuckets)
	for i, upper := range durationBuckets {
		if seconds <= upper {
			idx = i
			break
		}
	}
	h.counts[idx].Add(1)
	h.count.Add(1)
	h.sumNanos.Add(int64(d))
}

// WriteMetrics implements health.MetricsSource with cumulative buckets
func (h *DurationHistogram) WriteMetrics(w io.Writer) {
	fmt.Fprintf(w, "# HELP runbox_http_request_duration_seconds HTTP request latency.\n")
	fmt.Fprintf(w, "# TYPE runbox_http_request_duration_seconds histogram\n")

	var cumulative int64
	for i, upper := range durationBuckets {
		cumulative += h.counts[i].Load()
		fmt.Fprintf(w, "runbox_http_request_duration_seconds_bucket{le=%q} %d\n",
			strconv.FormatFloat(upper, 'g', -1, 64), cumulative)
	}
	cumulative += h.counts[len(durationBuckets)].Load()
	fmt.Fprintf(w, "runbox_http_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative)
	fmt.Fprintf(w, "runbox_http_request_duration_seconds_sum %g\n",
		time.Duration(h.sumNanos.Load()).Seconds())
	fmt.Fprintf(w, "runbox_http_request_duration_seconds_count %d\n", h.count.Load())
}
