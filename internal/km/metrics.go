package km

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsCollector holds the KM's process metrics on a package-local
// registry rather than the global default, so multiple KM instances in one
// test binary don't collide on registration.
type metricsCollector struct {
	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	toolDurationSecs  *prometheus.HistogramVec
	triggerQueueDepth prometheus.Gauge
}

func newMetricsCollector() *metricsCollector {
	reg := prometheus.NewRegistry()

	c := &metricsCollector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "km_requests_total",
				Help: "Total number of KM HTTP requests by route and status.",
			},
			[]string{"route", "status"},
		),
		toolDurationSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "km_tool_duration_seconds",
				Help:    "Duration of host tool invocations in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"tool"},
		),
		triggerQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "km_trigger_queue_depth",
				Help: "Number of pending triggers on the project's trigger bus.",
			},
		),
	}

	reg.MustRegister(c.requestsTotal, c.toolDurationSecs, c.triggerQueueDepth)
	return c
}

func (c *metricsCollector) handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
