// Package metrics exposes routing and provider health metrics in Prometheus
// format and keeps a small in-memory summary for the admin API.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allaspectsdev/llmrelay/internal/router"
)

// Request results used as the "result" label of requests_total.
const (
	ResultSuccess     = "success"
	ResultNoEligible  = "no_eligible"
	ResultAllFailed   = "all_failed"
	ResultPartial     = "partial_stream"
	ResultCanceled    = "canceled"
	ResultBadRequest  = "bad_request"
	ResultInternalErr = "internal_error"
)

const namespace = "llmrelay"

// Collector owns a private Prometheus registry plus lock-free counters for
// the admin summary. All methods are safe for concurrent use.
type Collector struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	firstChunk    *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	healthy       *prometheus.GaugeVec
	active        prometheus.Gauge
	dropped       *prometheus.CounterVec
	probeFailures *prometheus.CounterVec

	totalRequests  int64
	totalAttempts  int64
	failedAttempts int64
	failovers      int64
	promptTokens   int64
	outputTokens   int64
	activeRequests int64

	startTime time.Time
}

// Stats is a point-in-time snapshot of the collector's counters.
type Stats struct {
	Uptime           string `json:"uptime"`
	TotalRequests    int64  `json:"total_requests"`
	TotalAttempts    int64  `json:"total_attempts"`
	FailedAttempts   int64  `json:"failed_attempts"`
	Failovers        int64  `json:"failovers"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	ActiveRequests   int64  `json:"active_requests"`
}

// NewCollector creates a Collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		reg:       prometheus.NewRegistry(),
		startTime: time.Now(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests by canonical model and final result.",
		}, []string{"model", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Upstream attempts by provider and outcome class.",
		}, []string{"provider", "class"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Latency of upstream attempts.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		firstChunk: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_first_chunk_seconds",
			Help:      "Time to first chunk of streamed attempts.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by upstreams, by provider and kind.",
		}, []string{"provider", "kind"}),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "1 when the provider is eligible for routing, 0 otherwise.",
		}, []string{"provider"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests currently being routed or streamed.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_dropped_total",
			Help:      "Outcome records dropped because the persistence queue was full.",
		}, []string{"kind"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Failed active probes by provider.",
		}, []string{"provider"}),
	}
	c.reg.MustRegister(
		c.requests, c.attempts, c.attemptTime, c.firstChunk, c.tokens,
		c.healthy, c.active, c.dropped, c.probeFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry, for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// RecordRequest counts a finished client request. attempts is the number
// of upstream attempts it made; more than one means a failover happened.
func (c *Collector) RecordRequest(model, result string, attempts int) {
	c.requests.WithLabelValues(model, result).Inc()
	atomic.AddInt64(&c.totalRequests, 1)
	if attempts > 1 {
		atomic.AddInt64(&c.failovers, 1)
	}
}

// ObserveAttempt records one attempt outcome. Probes only feed the probe
// failure counter.
func (c *Collector) ObserveAttempt(o router.AttemptOutcome) {
	if o.Probe {
		if !o.Success {
			c.probeFailures.WithLabelValues(o.ProviderID).Inc()
		}
		return
	}
	class := string(o.Class)
	if o.Success {
		class = "success"
	}
	c.attempts.WithLabelValues(o.ProviderID, class).Inc()
	c.attemptTime.WithLabelValues(o.ProviderID).Observe(o.Latency.Seconds())
	if o.Stream && o.FirstChunk > 0 {
		c.firstChunk.WithLabelValues(o.ProviderID).Observe(o.FirstChunk.Seconds())
	}
	atomic.AddInt64(&c.totalAttempts, 1)
	if !o.Success {
		atomic.AddInt64(&c.failedAttempts, 1)
	}
	if o.Usage != nil {
		c.tokens.WithLabelValues(o.ProviderID, "prompt").Add(float64(o.Usage.PromptTokens))
		c.tokens.WithLabelValues(o.ProviderID, "completion").Add(float64(o.Usage.CompletionTokens))
		atomic.AddInt64(&c.promptTokens, int64(o.Usage.PromptTokens))
		atomic.AddInt64(&c.outputTokens, int64(o.Usage.CompletionTokens))
	}
}

// SetProviderHealth updates the provider_healthy gauge.
func (c *Collector) SetProviderHealth(providerID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	c.healthy.WithLabelValues(providerID).Set(v)
}

// ForgetProvider removes the series of a provider that left the registry.
func (c *Collector) ForgetProvider(providerID string) {
	c.healthy.DeleteLabelValues(providerID)
}

// RecordDropped counts an outcome record the persistence queue rejected.
func (c *Collector) RecordDropped(kind string) {
	c.dropped.WithLabelValues(kind).Inc()
}

// IncrementActive increments the active request gauge.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeRequests, 1)
	c.active.Inc()
}

// DecrementActive decrements the active request gauge. Call it once per
// IncrementActive regardless of the outcome.
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeRequests, -1)
	c.active.Dec()
}

// Stats returns a point-in-time snapshot of the summary counters.
func (c *Collector) Stats() *Stats {
	return &Stats{
		Uptime:           formatDuration(time.Since(c.startTime)),
		TotalRequests:    atomic.LoadInt64(&c.totalRequests),
		TotalAttempts:    atomic.LoadInt64(&c.totalAttempts),
		FailedAttempts:   atomic.LoadInt64(&c.failedAttempts),
		Failovers:        atomic.LoadInt64(&c.failovers),
		PromptTokens:     atomic.LoadInt64(&c.promptTokens),
		CompletionTokens: atomic.LoadInt64(&c.outputTokens),
		ActiveRequests:   atomic.LoadInt64(&c.activeRequests),
	}
}

// formatDuration produces a human-readable duration string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return formatWithUnits(days, "d", hours, "h", minutes, "m")
	}
	if hours > 0 {
		return formatWithUnits(hours, "h", minutes, "m", 0, "")
	}
	return formatWithUnits(minutes, "m", 0, "", 0, "")
}

// formatWithUnits builds a compact duration string from up to three components.
func formatWithUnits(v1 int, u1 string, v2 int, u2 string, v3 int, u3 string) string {
	s := ""
	if v1 > 0 {
		s += strconv.Itoa(v1) + u1
	}
	if v2 > 0 {
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(v2) + u2
	}
	if v3 > 0 && u3 != "" {
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(v3) + u3
	}
	if s == "" {
		return "0m"
	}
	return s
}
