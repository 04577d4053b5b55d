package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	cacheLookups        *prometheus.CounterVec
	upstreamFetches     *prometheus.CounterVec
	revalidations       *prometheus.CounterVec
	refreshRunsTotal    *prometheus.CounterVec
	refreshRunDuration  prometheus.Histogram
	markers             prometheus.Gauge
}

// New creates a fresh Metrics registry with HTTP, cache and map metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soilmap",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by core-go",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "soilmap",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by core-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soilmap",
		Name:      "reading_cache_lookups_total",
		Help:      "Reading cache lookups by result (fresh, stale, miss, expired)",
	}, []string{"result"})

	upstreamFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soilmap",
		Name:      "upstream_fetches_total",
		Help:      "Device reading fetches issued against the backend, by outcome",
	}, []string{"outcome"})

	revalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soilmap",
		Name:      "reading_cache_revalidations_total",
		Help:      "Background revalidations of stale cache entries, by outcome",
	}, []string{"outcome"})

	refreshRunsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soilmap",
		Name:      "map_refresh_runs_total",
		Help:      "Total number of map refresh runs, by outcome",
	}, []string{"outcome"})

	refreshRunDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "soilmap",
		Name:      "map_refresh_duration_seconds",
		Help:      "Duration of map refresh runs from device listing to marker sync",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	markers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "soilmap",
		Name:      "map_markers",
		Help:      "Number of device markers currently registered on the map",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		cacheLookups,
		upstreamFetches,
		revalidations,
		refreshRunsTotal,
		refreshRunDuration,
		markers,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		cacheLookups:        cacheLookups,
		upstreamFetches:     upstreamFetches,
		revalidations:       revalidations,
		refreshRunsTotal:    refreshRunsTotal,
		refreshRunDuration:  refreshRunDuration,
		markers:             markers,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncCacheLookup counts one reading cache lookup.
func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// IncUpstreamFetch counts one backend fetch by outcome ("ok" or "error").
func (m *Metrics) IncUpstreamFetch(outcome string) {
	if m == nil {
		return
	}
	m.upstreamFetches.WithLabelValues(outcome).Inc()
}

// IncRevalidation counts one background revalidation by outcome.
func (m *Metrics) IncRevalidation(outcome string) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(outcome).Inc()
}

// IncRefreshRun increments the refresh run counter.
func (m *Metrics) IncRefreshRun(outcome string) {
	if m == nil {
		return
	}
	m.refreshRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRefreshDuration observes a refresh run duration.
func (m *Metrics) ObserveRefreshDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.refreshRunDuration.Observe(duration.Seconds())
}

// SetMarkers records the current number of registered markers.
func (m *Metrics) SetMarkers(n int) {
	if m == nil {
		return
	}
	m.markers.Set(float64(n))
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
