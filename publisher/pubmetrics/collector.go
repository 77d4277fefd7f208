// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package pubmetrics collects publishing outcome counters and latencies and
// renders them as snapshots and Prometheus exposition text.
package pubmetrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the pubmetrics error class.
	Error = errs.Class("pubmetrics")
)

// latencyRingCap bounds the recent-latency sample used for percentiles.
const latencyRingCap = 1000

// Collector accumulates publishing counters and a bounded ring of recent
// job latencies. All methods are safe for concurrent use.
//
// architecture: Service
type Collector struct {
	mu sync.Mutex

	totalJobs           int64
	successful          int64
	failed              int64
	retried             int64
	rateLimitHits       int64
	circuitBreakerOpens int64
	errorCategories     map[string]int64

	latencies []time.Duration
	nextSlot  int
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		errorCategories: make(map[string]int64),
	}
}

// JobStarted counts a job pulled for execution.
func (collector *Collector) JobStarted() {
	collector.mu.Lock()
	defer collector.mu.Unlock()
	collector.totalJobs++
}

// JobSucceeded counts a successful job and records its latency.
func (collector *Collector) JobSucceeded(latency time.Duration) {
	mon.Event("publish_succeeded")

	collector.mu.Lock()
	defer collector.mu.Unlock()
	collector.successful++
	collector.record(latency)
}

// JobFailed counts a terminally failed job under its error category.
func (collector *Collector) JobFailed(category string) {
	mon.Event("publish_failed")

	collector.mu.Lock()
	defer collector.mu.Unlock()
	collector.failed++
	collector.errorCategories[category]++
}

// JobRetried counts a retried attempt.
func (collector *Collector) JobRetried() {
	collector.mu.Lock()
	defer collector.mu.Unlock()
	collector.retried++
}

// RateLimitHit counts an upstream 429.
func (collector *Collector) RateLimitHit() {
	mon.Event("rate_limit_hit")

	collector.mu.Lock()
	defer collector.mu.Unlock()
	collector.rateLimitHits++
}

// CircuitOpened counts a circuit breaker opening.
func (collector *Collector) CircuitOpened() {
	collector.mu.Lock()
	defer collector.mu.Unlock()
	collector.circuitBreakerOpens++
}

// record appends a latency to the ring. The collector mutex must be held.
func (collector *Collector) record(latency time.Duration) {
	if len(collector.latencies) < latencyRingCap {
		collector.latencies = append(collector.latencies, latency)
		return
	}
	collector.latencies[collector.nextSlot] = latency
	collector.nextSlot = (collector.nextSlot + 1) % latencyRingCap
}

// LatencyStats summarizes the recent latency sample.
type LatencyStats struct {
	P50 time.Duration `json:"p50Ms"`
	P95 time.Duration `json:"p95Ms"`
	P99 time.Duration `json:"p99Ms"`
	Max time.Duration `json:"maxMs"`
	Avg time.Duration `json:"avgMs"`
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	TotalJobs           int64            `json:"totalJobs"`
	Successful          int64            `json:"successful"`
	Failed              int64            `json:"failed"`
	Retried             int64            `json:"retried"`
	RateLimitHits       int64            `json:"rateLimitHits"`
	CircuitBreakerOpens int64            `json:"circuitBreakerOpens"`
	SuccessRate         float64          `json:"successRate"`
	ErrorCategories     map[string]int64 `json:"errorCategories"`
	Latency             LatencyStats     `json:"latency"`
}

// Snapshot returns the current counters together with the derived success
// rate and latency percentiles.
func (collector *Collector) Snapshot() Snapshot {
	collector.mu.Lock()
	defer collector.mu.Unlock()

	snapshot := Snapshot{
		TotalJobs:           collector.totalJobs,
		Successful:          collector.successful,
		Failed:              collector.failed,
		Retried:             collector.retried,
		RateLimitHits:       collector.rateLimitHits,
		CircuitBreakerOpens: collector.circuitBreakerOpens,
		ErrorCategories:     make(map[string]int64, len(collector.errorCategories)),
	}
	for category, count := range collector.errorCategories {
		snapshot.ErrorCategories[category] = count
	}

	if finished := collector.successful + collector.failed; finished > 0 {
		rate := float64(collector.successful) / float64(finished) * 100
		snapshot.SuccessRate = math.Round(rate*100) / 100
	}

	if len(collector.latencies) > 0 {
		sorted := make([]time.Duration, len(collector.latencies))
		copy(sorted, collector.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var total time.Duration
		for _, d := range sorted {
			total += d
		}
		snapshot.Latency = LatencyStats{
			P50: percentile(sorted, 50),
			P95: percentile(sorted, 95),
			P99: percentile(sorted, 99),
			Max: sorted[len(sorted)-1],
			Avg: total / time.Duration(len(sorted)),
		}
	}

	return snapshot
}

// percentile picks the sample at index ceil(p/100*n)-1 of the sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	index := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// RenderPrometheus renders the snapshot in Prometheus exposition format.
func (collector *Collector) RenderPrometheus() string {
	snapshot := collector.Snapshot()

	var b strings.Builder
	writeCounter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, value)
	}

	writeCounter("publisher_jobs_total", "Publish jobs pulled for execution.", snapshot.TotalJobs)
	writeCounter("publisher_jobs_successful_total", "Publish jobs completed successfully.", snapshot.Successful)
	writeCounter("publisher_jobs_failed_total", "Publish jobs failed terminally.", snapshot.Failed)
	writeCounter("publisher_jobs_retried_total", "Publish attempts retried.", snapshot.Retried)
	writeCounter("publisher_rate_limit_hits_total", "Upstream 429 responses.", snapshot.RateLimitHits)
	writeCounter("publisher_circuit_opens_total", "Circuit breaker open transitions.", snapshot.CircuitBreakerOpens)

	fmt.Fprintf(&b, "# HELP publisher_errors_total Terminal job failures by category.\n")
	fmt.Fprintf(&b, "# TYPE publisher_errors_total counter\n")
	categories := make([]string, 0, len(snapshot.ErrorCategories))
	for category := range snapshot.ErrorCategories {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		fmt.Fprintf(&b, "publisher_errors_total{category=%q} %d\n", category, snapshot.ErrorCategories[category])
	}

	fmt.Fprintf(&b, "# HELP publisher_success_rate Publish success rate in percent.\n")
	fmt.Fprintf(&b, "# TYPE publisher_success_rate gauge\n")
	fmt.Fprintf(&b, "publisher_success_rate %.2f\n", snapshot.SuccessRate)

	writeGauge := func(name string, value time.Duration) {
		fmt.Fprintf(&b, "# HELP %s Publish latency in milliseconds.\n", name)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, value.Milliseconds())
	}
	writeGauge("publisher_latency_p50_ms", snapshot.Latency.P50)
	writeGauge("publisher_latency_p95_ms", snapshot.Latency.P95)
	writeGauge("publisher_latency_p99_ms", snapshot.Latency.P99)
	writeGauge("publisher_latency_max_ms", snapshot.Latency.Max)
	writeGauge("publisher_latency_avg_ms", snapshot.Latency.Avg)

	return b.String()
}
