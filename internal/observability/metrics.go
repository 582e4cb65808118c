package observability

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names.
const (
	MetricRequestsTotal   = "mech_requests_total"
	MetricRequestDuration = "mech_request_duration_seconds"
	MetricRequestStatus   = "mech_request_status_total"
	MetricRoundsTotal     = "mech_tool_rounds_total"
	MetricTokensInput     = "mech_tokens_input_total"
	MetricTokensOutput    = "mech_tokens_output_total"
	MetricToolCalls       = "mech_tool_calls_total"
	MetricToolDuration    = "mech_tool_duration_seconds"
	MetricModelPicks      = "mech_model_picks_total"
	MetricMetaTriggers    = "mech_meta_triggers_total"
	MetricRunningTools    = "mech_running_tools"
	MetricBreakerState    = "mech_breaker_state"
	MetricBreakerTrips    = "mech_breaker_trips_total"
)

// Labels for metrics.
type Labels map[string]string

// Counter is a monotonically increasing metric.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(v int64)  { c.value.Add(v) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a metric that can go up and down.
type Gauge struct {
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// DefaultBuckets are latency buckets in seconds, sized for LLM calls.
var DefaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// NewHistogram creates a histogram with the given upper bounds.
func NewHistogram(buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return &Histogram{buckets: buckets, counts: make([]int64, len(buckets)+1)}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Snapshot returns a point-in-time copy.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HistogramSnapshot{
		Buckets: h.buckets,
		Counts:  slices.Clone(h.counts),
		Sum:     h.sum,
		Count:   h.count,
	}
}

// HistogramSnapshot is a copy of a histogram's state.
type HistogramSnapshot struct {
	Buckets []float64
	Counts  []int64
	Sum     float64
	Count   int64
}

// Mean returns the mean observed value.
func (s HistogramSnapshot) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Percentile estimates the bucket bound at percentile p (0-100).
func (s HistogramSnapshot) Percentile(p float64) float64 {
	if s.Count == 0 {
		return 0
	}
	threshold := int64(float64(s.Count) * p / 100)
	var cumulative int64
	for i, n := range s.Counts {
		cumulative += n
		if cumulative >= threshold {
			if i < len(s.Buckets) {
				return s.Buckets[i]
			}
			if len(s.Buckets) > 0 {
				return s.Buckets[len(s.Buckets)-1]
			}
		}
	}
	return 0
}

// Registry holds named metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func getOrCreate[T any](r *Registry, m map[string]*T, key string, create func() *T) *T {
	r.mu.RLock()
	v, ok := m[key]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := m[key]; ok {
		return v
	}
	v = create()
	m[key] = v
	return v
}

// Counter returns or creates a counter.
func (r *Registry) Counter(name string, labels Labels) *Counter {
	return getOrCreate(r, r.counters, MetricKey(name, labels), func() *Counter { return &Counter{} })
}

// Gauge returns or creates a gauge.
func (r *Registry) Gauge(name string, labels Labels) *Gauge {
	return getOrCreate(r, r.gauges, MetricKey(name, labels), func() *Gauge { return &Gauge{} })
}

// Histogram returns or creates a histogram. buckets only apply on creation.
func (r *Registry) Histogram(name string, labels Labels, buckets []float64) *Histogram {
	return getOrCreate(r, r.histograms, MetricKey(name, labels), func() *Histogram { return NewHistogram(buckets) })
}

// Snapshot copies every metric value.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Counters:   make(map[string]int64, len(r.counters)),
		Gauges:     make(map[string]int64, len(r.gauges)),
		Histograms: make(map[string]HistogramSnapshot, len(r.histograms)),
	}
	for k, c := range r.counters {
		snap.Counters[k] = c.Value()
	}
	for k, g := range r.gauges {
		snap.Gauges[k] = g.Value()
	}
	for k, h := range r.histograms {
		snap.Histograms[k] = h.Snapshot()
	}
	return snap
}

// Snapshot is a point-in-time copy of a registry.
type Snapshot struct {
	Counters   map[string]int64
	Gauges     map[string]int64
	Histograms map[string]HistogramSnapshot
}

// MetricKey renders name and labels as `name,k1=v1,k2=v2` with label keys
// sorted.
func MetricKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

// Metrics records orchestration metrics into a registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *Registry

	requests     *Counter
	duration     *Histogram
	tokensIn     *Counter
	tokensOut    *Counter
	rounds       *Counter
	metaTriggers *Counter
	running      *Gauge
}

// NewMetrics creates metrics backed by registry, or a fresh one when nil.
func NewMetrics(registry *Registry) *Metrics {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Metrics{
		registry:     registry,
		requests:     registry.Counter(MetricRequestsTotal, nil),
		duration:     registry.Histogram(MetricRequestDuration, nil, DefaultBuckets),
		tokensIn:     registry.Counter(MetricTokensInput, nil),
		tokensOut:    registry.Counter(MetricTokensOutput, nil),
		rounds:       registry.Counter(MetricRoundsTotal, nil),
		metaTriggers: registry.Counter(MetricMetaTriggers, nil),
		running:      registry.Gauge(MetricRunningTools, nil),
	}
}

// RecordRequest records one finished pipeline request.
func (m *Metrics) RecordRequest(model, status string, rounds int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.Inc()
	m.duration.ObserveDuration(elapsed)
	m.rounds.Add(int64(rounds))
	m.registry.Counter(MetricRequestStatus, Labels{"model": model, "status": status}).Inc()
}

// RecordTokens records token usage.
func (m *Metrics) RecordTokens(input, output int64) {
	if m == nil {
		return
	}
	m.tokensIn.Add(input)
	m.tokensOut.Add(output)
}

// RecordToolCall records one executed tool call.
func (m *Metrics) RecordToolCall(name, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.registry.Counter(MetricToolCalls, Labels{"tool": name, "status": status}).Inc()
	m.registry.Histogram(MetricToolDuration, Labels{"tool": name}, DefaultBuckets).ObserveDuration(elapsed)
}

// RecordPick records a rotation pick.
func (m *Metrics) RecordPick(model string) {
	if m == nil {
		return
	}
	m.registry.Counter(MetricModelPicks, Labels{"model": model}).Inc()
}

// RecordMetaTrigger records one meta-cognition spawn.
func (m *Metrics) RecordMetaTrigger() {
	if m == nil {
		return
	}
	m.metaTriggers.Inc()
}

// SetRunningTools sets the running-tool gauge.
func (m *Metrics) SetRunningTools(n int) {
	if m == nil {
		return
	}
	m.running.Set(int64(n))
}

// RecordBreaker records a breaker state change; tripped counts opens.
func (m *Metrics) RecordBreaker(model string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.registry.Gauge(MetricBreakerState, Labels{"model": model}).Set(int64(state))
	if tripped {
		m.registry.Counter(MetricBreakerTrips, Labels{"model": model}).Inc()
	}
}

// Snapshot returns the backing registry's snapshot.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return m.registry.Snapshot()
}
