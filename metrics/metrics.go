// Package metrics exposes Prometheus counters for the authentication flows.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdcgw"

// Recorder owns a private registry so tests can create as many as they need.
type Recorder struct {
	registry        *prometheus.Registry
	exchanges       *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	sessionsCreated *prometheus.CounterVec
	swept           *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
	upstream        *prometheus.HistogramVec
}

// New registers the gateway collectors plus the Go runtime collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "Upstream token endpoint calls by grant and outcome.",
		}, []string{"grant", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_cache_lookups_total",
			Help:      "Exchange cache lookups by result.",
		}, []string{"result"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created by flow.",
		}, []string{"flow"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_entries_total",
			Help:      "Entries removed by background sweeps.",
		}, []string{"target"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Authentication failures by flow and error code.",
		}, []string{"flow", "code"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_seconds",
			Help:      "Latency of calls to the identity provider and commerce backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
	r.registry.MustRegister(
		r.exchanges,
		r.cacheLookups,
		r.sessionsCreated,
		r.swept,
		r.authFailures,
		r.upstream,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ExchangeCompleted(grant, outcome string) {
	if r == nil {
		return
	}
	r.exchanges.WithLabelValues(grant, outcome).Inc()
}

func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Recorder) SessionCreated(flow string) {
	if r == nil {
		return
	}
	r.sessionsCreated.WithLabelValues(flow).Inc()
}

func (r *Recorder) Swept(target string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.swept.WithLabelValues(target).Add(float64(n))
}

func (r *Recorder) AuthFailure(flow, code string) {
	if r == nil {
		return
	}
	r.authFailures.WithLabelValues(flow, code).Inc()
}

func (r *Recorder) ObserveUpstream(endpoint string, d time.Duration) {
	if r == nil {
		return
	}
	r.upstream.WithLabelValues(endpoint).Observe(d.Seconds())
}
