// Package metrics keeps process-local counters and exposes them in
// Prometheus text exposition format. The daemon is the only writer, so a
// mutex-guarded collector is enough; no client library is pulled in for a
// handful of counters.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	latency  map[latencyKey]*histogram

	runsStarted  uint64
	runsExecuted uint64
	runsAborted  uint64
	transfers    uint64
	swaps        uint64
}

var std = &collector{
	requests: make(map[requestKey]uint64),
	latency:  make(map[latencyKey]*histogram),
}

// ObserveHTTPRequest records one HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := latencyKey{handler: handler, method: method}
	hist := std.latency[key]
	if hist == nil {
		hist = newHistogram()
		std.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveRun records the outcome of one escrow execution attempt.
func ObserveRun(executed bool) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.runsStarted++
	if executed {
		std.runsExecuted++
	} else {
		std.runsAborted++
	}
}

// ObserveTransfer counts one settled beneficiary payment.
func ObserveTransfer(swapped bool) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.transfers++
	if swapped {
		std.swaps++
	}
}

// Handler serves the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, std.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP inheritchain_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE inheritchain_http_requests_total counter\n")
	reqs := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqs = append(reqs, key)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler != reqs[j].handler {
			return reqs[i].handler < reqs[j].handler
		}
		if reqs[i].method != reqs[j].method {
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].code < reqs[j].code
	})
	for _, key := range reqs {
		builder.WriteString(fmt.Sprintf("inheritchain_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key]))
	}

	builder.WriteString("# HELP inheritchain_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE inheritchain_http_request_duration_seconds histogram\n")
	lats := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		lats = append(lats, key)
	}
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler != lats[j].handler {
			return lats[i].handler < lats[j].handler
		}
		return lats[i].method < lats[j].method
	})
	for _, key := range lats {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("inheritchain_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("inheritchain_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count))
		builder.WriteString(fmt.Sprintf("inheritchain_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("inheritchain_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count))
	}

	builder.WriteString("# HELP inheritchain_runs_total Escrow execution attempts by outcome.\n")
	builder.WriteString("# TYPE inheritchain_runs_total counter\n")
	builder.WriteString(fmt.Sprintf("inheritchain_runs_total{outcome=\"executed\"} %d\n", c.runsExecuted))
	builder.WriteString(fmt.Sprintf("inheritchain_runs_total{outcome=\"aborted\"} %d\n", c.runsAborted))

	builder.WriteString("# HELP inheritchain_transfers_total Beneficiary payments settled.\n")
	builder.WriteString("# TYPE inheritchain_transfers_total counter\n")
	builder.WriteString(fmt.Sprintf("inheritchain_transfers_total %d\n", c.transfers))

	builder.WriteString("# HELP inheritchain_swaps_total Beneficiary payments settled through the swap gateway.\n")
	builder.WriteString("# TYPE inheritchain_swaps_total counter\n")
	builder.WriteString(fmt.Sprintf("inheritchain_swaps_total %d\n", c.swaps))

	return builder.String()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
