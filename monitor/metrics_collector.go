package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/messaging"
)

const maxSamples = 100

// Collector keeps in-memory counters and latency samples per endpoint.
// It implements messaging.EventListener.
type Collector struct {
	mu sync.RWMutex

	events    map[string]map[messaging.EventType]int64
	messages  map[string]int64
	errors    map[string]map[string]int64
	durations map[string]*TimeStats
	started   time.Time
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	c := &Collector{}
	c.Reset()
	return c
}

// OnEvent implements messaging.EventListener
func (c *Collector) OnEvent(_ context.Context, event messaging.LifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byType, ok := c.events[event.Endpoint]
	if !ok {
		byType = make(map[messaging.EventType]int64)
		c.events[event.Endpoint] = byType
	}
	byType[event.Type]++

	switch event.Type {
	case messaging.EventCommitted, messaging.EventProduced:
		c.messages[event.Endpoint] += int64(max(event.Count, 1))
		c.record(event.Endpoint, event.Duration)
	case messaging.EventAttemptFailed, messaging.EventProduceFailed:
		if event.Err != nil {
			if c.errors[event.Endpoint] == nil {
				c.errors[event.Endpoint] = make(map[string]int64)
			}
			c.errors[event.Endpoint][ErrorType(event.Err)]++
		}
	}
}

func (c *Collector) record(endpoint string, duration time.Duration) {
	ms := duration.Milliseconds()

	stats, ok := c.durations[endpoint]
	if !ok {
		stats = &TimeStats{MinMs: ms, MaxMs: ms, samples: make([]int64, 0, maxSamples)}
		c.durations[endpoint] = stats
	}

	stats.Count++
	stats.TotalMs += ms
	stats.MinMs = min(stats.MinMs, ms)
	stats.MaxMs = max(stats.MaxMs, ms)

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, ms)
}

// Summary returns a snapshot of everything collected so far
func (c *Collector) Summary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Events:          make(map[string]map[messaging.EventType]int64, len(c.events)),
		MessageCounts:   make(map[string]int64, len(c.messages)),
		ErrorCounts:     make(map[string]map[string]int64, len(c.errors)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.durations)),
		Since:           c.started,
	}

	for endpoint, byType := range c.events {
		copied := make(map[messaging.EventType]int64, len(byType))
		for t, n := range byType {
			copied[t] = n
		}
		summary.Events[endpoint] = copied
	}
	for endpoint, n := range c.messages {
		summary.MessageCounts[endpoint] = n
	}
	for endpoint, byErr := range c.errors {
		copied := make(map[string]int64, len(byErr))
		for e, n := range byErr {
			copied[e] = n
		}
		summary.ErrorCounts[endpoint] = copied
	}

	for endpoint, stats := range c.durations {
		ps := ProcessingStats{Count: stats.Count, MinMs: stats.MinMs, MaxMs: stats.MaxMs}
		if stats.Count > 0 {
			ps.AvgMs = stats.TotalMs / stats.Count
		}
		if len(stats.samples) > 0 {
			sorted := sortedCopy(stats.samples)
			ps.P50Ms = percentile(sorted, 0.50)
			ps.P95Ms = percentile(sorted, 0.95)
			ps.P99Ms = percentile(sorted, 0.99)
		}
		summary.ProcessingStats[endpoint] = ps
	}

	return summary
}

// Latency returns percentiles over the samples of every endpoint
func (c *Collector) Latency() LatencyStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []int64
	var total, count int64
	minMs, maxMs := int64(-1), int64(0)
	for _, stats := range c.durations {
		all = append(all, stats.samples...)
		total += stats.TotalMs
		count += stats.Count
		if minMs < 0 || stats.MinMs < minMs {
			minMs = stats.MinMs
		}
		maxMs = max(maxMs, stats.MaxMs)
	}
	if len(all) == 0 {
		return LatencyStats{}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return LatencyStats{
		P50:  ms(percentile(all, 0.50)),
		P75:  ms(percentile(all, 0.75)),
		P90:  ms(percentile(all, 0.90)),
		P95:  ms(percentile(all, 0.95)),
		P99:  ms(percentile(all, 0.99)),
		P999: ms(percentile(all, 0.999)),
		Min:  ms(minMs),
		Max:  ms(maxMs),
		Mean: ms(total / count),
	}
}

// Errors summarizes failures across endpoints, most frequent error type first
func (c *Collector) Errors() ErrorAnalysis {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var processed int64
	for _, n := range c.messages {
		processed += n
	}

	analysis := ErrorAnalysis{ErrorsByEndpoint: make(map[string]int64)}
	byType := make(map[string]int64)
	for endpoint, byErr := range c.errors {
		for errType, n := range byErr {
			analysis.TotalErrors += n
			analysis.ErrorsByEndpoint[endpoint] += n
			byType[errType] += n
		}
	}
	if processed+analysis.TotalErrors > 0 {
		analysis.ErrorRate = float64(analysis.TotalErrors) / float64(processed+analysis.TotalErrors)
	}

	for errType, n := range byType {
		analysis.TopErrorTypes = append(analysis.TopErrorTypes, ErrorTypeStats{
			ErrorType: errType,
			Count:     n,
			Rate:      float64(n) / float64(analysis.TotalErrors),
		})
	}
	sort.Slice(analysis.TopErrorTypes, func(i, j int) bool {
		a, b := analysis.TopErrorTypes[i], analysis.TopErrorTypes[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ErrorType < b.ErrorType
	})
	return analysis
}

// Reset clears all collected metrics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = make(map[string]map[messaging.EventType]int64)
	c.messages = make(map[string]int64)
	c.errors = make(map[string]map[string]int64)
	c.durations = make(map[string]*TimeStats)
	c.started = time.Now()
}

func sortedCopy(samples []int64) []int64 {
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

// percentile expects sorted samples
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// MetricsSummary is a snapshot of the collector
type MetricsSummary struct {
	Events          map[string]map[messaging.EventType]int64 `json:"events"`
	MessageCounts   map[string]int64                         `json:"message_counts"`
	ErrorCounts     map[string]map[string]int64              `json:"error_counts"`
	ProcessingStats map[string]ProcessingStats               `json:"processing_stats"`
	Since           time.Time                                `json:"since"`
}

// ProcessingStats represents processing time statistics for an endpoint
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// LatencyStats provides detailed latency analysis
type LatencyStats struct {
	P50  time.Duration `json:"p50"`
	P75  time.Duration `json:"p75"`
	P90  time.Duration `json:"p90"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
	P999 time.Duration `json:"p999"`
	Min  time.Duration `json:"min"`
	Max  time.Duration `json:"max"`
	Mean time.Duration `json:"mean"`
}

// ErrorAnalysis provides error pattern analysis
type ErrorAnalysis struct {
	TotalErrors      int64            `json:"total_errors"`
	ErrorRate        float64          `json:"error_rate"`
	TopErrorTypes    []ErrorTypeStats `json:"top_error_types"`
	ErrorsByEndpoint map[string]int64 `json:"errors_by_endpoint"`
}

// ErrorTypeStats represents statistics for a specific error type
type ErrorTypeStats struct {
	ErrorType string  `json:"error_type"`
	Count     int64   `json:"count"`
	Rate      float64 `json:"rate"`
}

var _ messaging.EventListener = (*Collector)(nil)
