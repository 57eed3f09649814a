// Package metrics tracks gateway counters two ways at once: Prometheus
// collectors served on /metrics, and a plain in-memory snapshot served as
// JSON from the admin API.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry so independent instances
// (one per server, one per test) never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	toolInvocations *prometheus.CounterVec
	toolLatency     *prometheus.HistogramVec
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	policyFailures  *prometheus.CounterVec
	discoverySkips  *prometheus.CounterVec

	mu   sync.Mutex
	snap Snapshot
}

// Snapshot is the JSON shape returned by the admin metrics endpoint.
type Snapshot struct {
	StartedAt        time.Time                `json:"started_at"`
	Requests         RequestStats             `json:"requests"`
	Tools            map[string]OutcomeStats  `json:"tools"`
	Upstreams        map[string]UpstreamStats `json:"upstreams"`
	PolicyFailures   map[string]int64         `json:"policy_failures"`
	DiscoverySkips   map[string]int64         `json:"discovery_skips"`
	OverridesCreated int64                    `json:"overrides_created"`
}

type RequestStats struct {
	Total     int64 `json:"total"`
	Streaming int64 `json:"streaming"`
	Failed    int64 `json:"failed"`
}

type OutcomeStats struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
	Blocked int64 `json:"blocked"`
}

type UpstreamStats struct {
	Success        int64   `json:"success"`
	Failure        int64   `json:"failure"`
	TotalLatencyMS float64 `json:"total_latency_ms"`
}

// Tool invocation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
)

// New creates a Collector with a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_requests_total",
			Help: "Chat completion requests by streaming flag and outcome.",
		}, []string{"streaming", "outcome"}),
		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_request_duration_seconds",
			Help:    "End-to-end chat completion latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"streaming"}),
		toolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_tool_invocations_total",
			Help: "Tool dispatches by tool, provider and outcome.",
		}, []string{"tool", "provider", "outcome"}),
		toolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_tool_duration_seconds",
			Help:    "Tool dispatch latency by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		upstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_upstream_calls_total",
			Help: "Upstream completion calls by upstream and outcome.",
		}, []string{"upstream", "outcome"}),
		upstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_upstream_duration_seconds",
			Help:    "Upstream completion latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream"}),
		policyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_policy_failures_total",
			Help: "Security failures by kind.",
		}, []string{"kind"}),
		discoverySkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_discovery_skips_total",
			Help: "Drop-in agent definitions skipped during discovery, by reason.",
		}, []string{"reason"}),
	}
	c.snap = Snapshot{
		StartedAt:      time.Now().UTC(),
		Tools:          make(map[string]OutcomeStats),
		Upstreams:      make(map[string]UpstreamStats),
		PolicyFailures: make(map[string]int64),
		DiscoverySkips: make(map[string]int64),
	}
	return c
}

// Handler serves the Prometheus exposition for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one chat completion request.
func (c *Collector) RecordRequest(streaming bool, failed bool, elapsed time.Duration) {
	streamLabel := "false"
	if streaming {
		streamLabel = "true"
	}
	outcome := OutcomeSuccess
	if failed {
		outcome = OutcomeFailure
	}
	c.requests.WithLabelValues(streamLabel, outcome).Inc()
	c.requestLatency.WithLabelValues(streamLabel).Observe(elapsed.Seconds())

	c.mu.Lock()
	c.snap.Requests.Total++
	if streaming {
		c.snap.Requests.Streaming++
	}
	if failed {
		c.snap.Requests.Failed++
	}
	c.mu.Unlock()
}

// RecordToolInvocation counts one tool dispatch, whatever the outcome.
func (c *Collector) RecordToolInvocation(tool, provider, outcome string, elapsed time.Duration) {
	c.toolInvocations.WithLabelValues(tool, provider, outcome).Inc()
	c.toolLatency.WithLabelValues(provider).Observe(elapsed.Seconds())

	c.mu.Lock()
	stats := c.snap.Tools[tool]
	switch outcome {
	case OutcomeSuccess:
		stats.Success++
	case OutcomeBlocked:
		stats.Blocked++
	default:
		stats.Failure++
	}
	c.snap.Tools[tool] = stats
	c.mu.Unlock()
}

// RecordUpstreamCall counts one upstream completion call.
func (c *Collector) RecordUpstreamCall(upstream string, failed bool, elapsed time.Duration) {
	outcome := OutcomeSuccess
	if failed {
		outcome = OutcomeFailure
	}
	c.upstreamCalls.WithLabelValues(upstream, outcome).Inc()
	c.upstreamLatency.WithLabelValues(upstream).Observe(elapsed.Seconds())

	c.mu.Lock()
	stats := c.snap.Upstreams[upstream]
	if failed {
		stats.Failure++
	} else {
		stats.Success++
	}
	stats.TotalLatencyMS += float64(elapsed.Milliseconds())
	c.snap.Upstreams[upstream] = stats
	c.mu.Unlock()
}

// RecordPolicyFailure counts one security failure by kind.
func (c *Collector) RecordPolicyFailure(kind string) {
	c.policyFailures.WithLabelValues(kind).Inc()

	c.mu.Lock()
	c.snap.PolicyFailures[kind]++
	c.mu.Unlock()
}

// RecordDiscoverySkip counts one skipped drop-in definition.
func (c *Collector) RecordDiscoverySkip(reason string) {
	c.discoverySkips.WithLabelValues(reason).Inc()

	c.mu.Lock()
	c.snap.DiscoverySkips[reason]++
	c.mu.Unlock()
}

// RecordOverrideCreated counts one admin override creation.
func (c *Collector) RecordOverrideCreated() {
	c.mu.Lock()
	c.snap.OverridesCreated++
	c.mu.Unlock()
}

// Current returns a copy of the in-memory snapshot.
func (c *Collector) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.snap
	out.Tools = make(map[string]OutcomeStats, len(c.snap.Tools))
	for k, v := range c.snap.Tools {
		out.Tools[k] = v
	}
	out.Upstreams = make(map[string]UpstreamStats, len(c.snap.Upstreams))
	for k, v := range c.snap.Upstreams {
		out.Upstreams[k] = v
	}
	out.PolicyFailures = make(map[string]int64, len(c.snap.PolicyFailures))
	for k, v := range c.snap.PolicyFailures {
		out.PolicyFailures[k] = v
	}
	out.DiscoverySkips = make(map[string]int64, len(c.snap.DiscoverySkips))
	for k, v := range c.snap.DiscoverySkips {
		out.DiscoverySkips[k] = v
	}
	return out
}
