// Package metrics defines the Prometheus collectors of the tile server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the server's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TileRequests    *prometheus.CounterVec
	CoalescedWaits  *prometheus.CounterVec
	UpstreamQueries *prometheus.CounterVec
	RendererBuilds  *prometheus.CounterVec
	BuildLatency    *prometheus.HistogramVec
	ReadyRoots      *prometheus.GaugeVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TileRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiles_requests_total",
			Help: "Tile requests by dataset and root entry state",
		}, []string{"dataset", "state"}),
		CoalescedWaits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiles_coalesced_waits_total",
			Help: "Requests queued behind an in-flight root build",
		}, []string{"dataset"}),
		UpstreamQueries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiles_upstream_queries_total",
			Help: "Feature store queries by outcome",
		}, []string{"dataset", "outcome"}),
		RendererBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiles_renderer_builds_total",
			Help: "Renderer builds by outcome",
		}, []string{"dataset", "outcome"}),
		BuildLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tiles_root_build_seconds",
			Help:    "Time from first request of a root to its renderer being ready",
			Buckets: prometheus.DefBuckets,
		}, []string{"dataset"}),
		ReadyRoots: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tiles_ready_roots",
			Help: "Root tiles with a ready renderer",
		}, []string{"dataset"}),
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiles_cache_hits_total",
			Help: "Response cache hits",
		}, []string{"kind"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiles_cache_misses_total",
			Help: "Response cache misses",
		}, []string{"kind"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// TileRequest counts a tile request that found its root in state.
func (m *Metrics) TileRequest(dataset, state string) {
	if m == nil {
		return
	}
	m.TileRequests.WithLabelValues(dataset, state).Inc()
}

// Coalesced counts a request queued behind a build.
func (m *Metrics) Coalesced(dataset string) {
	if m == nil {
		return
	}
	m.CoalescedWaits.WithLabelValues(dataset).Inc()
}

// Query counts a feature store query.
func (m *Metrics) Query(dataset string, err error) {
	if m == nil {
		return
	}
	m.UpstreamQueries.WithLabelValues(dataset, outcome(err)).Inc()
}

// Build counts a renderer build.
func (m *Metrics) Build(dataset string, err error) {
	if m == nil {
		return
	}
	m.RendererBuilds.WithLabelValues(dataset, outcome(err)).Inc()
}

// ObserveBuild records the latency of a root build.
func (m *Metrics) ObserveBuild(dataset string, seconds float64) {
	if m == nil {
		return
	}
	m.BuildLatency.WithLabelValues(dataset).Observe(seconds)
}

// AddReady adjusts the ready root gauge.
func (m *Metrics) AddReady(dataset string, delta float64) {
	if m == nil {
		return
	}
	m.ReadyRoots.WithLabelValues(dataset).Add(delta)
}

// CacheLookup counts a response cache lookup of kind ("tile", "info").
func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(kind).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(kind).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(seconds)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
