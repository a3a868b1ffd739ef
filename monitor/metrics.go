package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Export formats
const (
	FormatJSON       = "json"
	FormatPrometheus = "prometheus"
)

// ErrUnsupportedFormat is returned for unknown export formats
var ErrUnsupportedFormat = errors.New("monitor: unsupported metrics format")

// maxSamples bounds the latency samples kept for percentiles
const maxSamples = 1000

type counter struct {
	help  string
	value float64
}

type gauge struct {
	help string
	fn   func() float64
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs float64
	MinMs   float64
	MaxMs   float64
	samples []float64
}

// LatencyStats summarises a latency series
type LatencyStats struct {
	Count int64   `json:"count"`
	SumMs float64 `json:"sumMs"`
	MinMs float64 `json:"minMs"`
	MaxMs float64 `json:"maxMs"`
	AvgMs float64 `json:"avgMs"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
}

// Snapshot is a point-in-time copy of every metric
type Snapshot struct {
	Namespace     string                  `json:"namespace"`
	UptimeSeconds float64                 `json:"uptimeSeconds"`
	Counters      map[string]float64      `json:"counters"`
	Rates         map[string]float64      `json:"ratesPerSecond"`
	Gauges        map[string]float64      `json:"gauges"`
	Latencies     map[string]LatencyStats `json:"latencies"`
	Timestamp     time.Time               `json:"timestamp"`
}

// Collector keeps pipeline counters, gauges and latency series and renders
// them as JSON or Prometheus text
type Collector struct {
	mu        sync.RWMutex
	namespace string
	counters  map[string]*counter
	gauges    map[string]*gauge
	latencies map[string]*TimeStats
	help      map[string]string
	started   time.Time
}

// NewCollector creates a collector prefixing exported names with namespace
func NewCollector(namespace string) *Collector {
	return &Collector{
		namespace: namespace,
		counters:  make(map[string]*counter),
		gauges:    make(map[string]*gauge),
		latencies: make(map[string]*TimeStats),
		help:      make(map[string]string),
		started:   time.Now(),
	}
}

// RegisterCounter declares a counter
func (c *Collector) RegisterCounter(name, help string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counters[name]; !ok {
		c.counters[name] = &counter{help: help}
	}
}

// RegisterGauge declares a gauge read from fn at export time
func (c *Collector) RegisterGauge(name, help string, fn func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = &gauge{help: help, fn: fn}
}

// RegisterLatency declares a latency series
func (c *Collector) RegisterLatency(name, help string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.latencies[name]; !ok {
		c.latencies[name] = &TimeStats{samples: make([]float64, 0, 64)}
		c.help[name] = help
	}
}

// Inc adds one to a counter
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// Add adds delta to a counter, declaring it if needed
func (c *Collector) Add(name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr, ok := c.counters[name]
	if !ok {
		ctr = &counter{}
		c.counters[name] = ctr
	}
	ctr.value += delta
}

// Counter returns a counter's value
func (c *Collector) Counter(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr.value
	}
	return 0
}

// Observe records a duration in a latency series
func (c *Collector) Observe(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := float64(d) / float64(time.Millisecond)
	stats, ok := c.latencies[name]
	if !ok {
		stats = &TimeStats{samples: make([]float64, 0, 64)}
		c.latencies[name] = stats
	}
	if stats.Count == 0 || ms < stats.MinMs {
		stats.MinMs = ms
	}
	if ms > stats.MaxMs {
		stats.MaxMs = ms
	}
	stats.Count++
	stats.TotalMs += ms

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, ms)
}

// Snapshot copies every metric, evaluating gauges
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	uptime := time.Since(c.started).Seconds()
	snap := Snapshot{
		Namespace:     c.namespace,
		UptimeSeconds: uptime,
		Counters:      make(map[string]float64, len(c.counters)),
		Rates:         make(map[string]float64, len(c.counters)),
		Gauges:        make(map[string]float64, len(c.gauges)),
		Latencies:     make(map[string]LatencyStats, len(c.latencies)),
		Timestamp:     time.Now(),
	}
	for name, ctr := range c.counters {
		snap.Counters[name] = ctr.value
		if uptime > 0 {
			snap.Rates[name] = ctr.value / uptime
		}
	}
	gauges := make(map[string]func() float64, len(c.gauges))
	for name, g := range c.gauges {
		gauges[name] = g.fn
	}
	for name, stats := range c.latencies {
		snap.Latencies[name] = summarize(stats)
	}
	c.mu.RUnlock()

	// gauges may take other locks
	for name, fn := range gauges {
		snap.Gauges[name] = fn()
	}
	return snap
}

// Export renders the snapshot in the given format
func (c *Collector) Export(format string) (string, error) {
	switch format {
	case FormatJSON:
		b, err := json.MarshalIndent(c.Snapshot(), "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode metrics: %w", err)
		}
		return string(b), nil
	case FormatPrometheus:
		return c.prometheus(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func (c *Collector) prometheus() string {
	snap := c.Snapshot()

	c.mu.RLock()
	counterHelp := make(map[string]string, len(c.counters))
	for name, ctr := range c.counters {
		counterHelp[name] = ctr.help
	}
	gaugeHelp := make(map[string]string, len(c.gauges))
	for name, g := range c.gauges {
		gaugeHelp[name] = g.help
	}
	latencyHelp := make(map[string]string, len(c.help))
	for name, h := range c.help {
		latencyHelp[name] = h
	}
	c.mu.RUnlock()

	var b strings.Builder
	for _, name := range sortedKeys(snap.Counters) {
		full := c.metricName(name)
		writeHeader(&b, full, counterHelp[name], "counter")
		fmt.Fprintf(&b, "%s %s\n", full, formatFloat(snap.Counters[name]))
	}
	for _, name := range sortedKeys(snap.Gauges) {
		full := c.metricName(name)
		writeHeader(&b, full, gaugeHelp[name], "gauge")
		fmt.Fprintf(&b, "%s %s\n", full, formatFloat(snap.Gauges[name]))
	}
	for _, name := range sortedKeys(snap.Latencies) {
		full := c.metricName(name)
		l := snap.Latencies[name]
		writeHeader(&b, full, latencyHelp[name], "summary")
		fmt.Fprintf(&b, "%s{quantile=\"0.5\"} %s\n", full, formatFloat(l.P50Ms))
		fmt.Fprintf(&b, "%s{quantile=\"0.95\"} %s\n", full, formatFloat(l.P95Ms))
		fmt.Fprintf(&b, "%s{quantile=\"0.99\"} %s\n", full, formatFloat(l.P99Ms))
		fmt.Fprintf(&b, "%s_sum %s\n", full, formatFloat(l.SumMs))
		fmt.Fprintf(&b, "%s_count %d\n", full, l.Count)
	}
	return b.String()
}

func (c *Collector) metricName(name string) string {
	if c.namespace == "" {
		return name
	}
	return c.namespace + "_" + name
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	if help == "" {
		help = strings.ReplaceAll(name, "_", " ")
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	return fmt.Sprintf("%g", v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func summarize(stats *TimeStats) LatencyStats {
	l := LatencyStats{
		Count: stats.Count,
		SumMs: stats.TotalMs,
		MinMs: stats.MinMs,
		MaxMs: stats.MaxMs,
	}
	if stats.Count > 0 {
		l.AvgMs = stats.TotalMs / float64(stats.Count)
	}
	if len(stats.samples) > 0 {
		sorted := make([]float64, len(stats.samples))
		copy(sorted, stats.samples)
		sort.Float64s(sorted)
		l.P50Ms = percentile(sorted, 0.50)
		l.P95Ms = percentile(sorted, 0.95)
		l.P99Ms = percentile(sorted, 0.99)
	}
	return l
}

// percentile uses the nearest-rank method on sorted samples
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
