package aichat

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "aichat"

// Metrics holds the bot's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	pipelineRuns       *prometheus.CounterVec
	throttled          *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	gatewayConnected   prometheus.Gauge
}

// NewMetrics registers collectors on a new registry, separate from the
// prometheus default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pipeline_runs_total",
				Help:      "Request pipeline runs by entry point and terminal state.",
			},
			[]string{"entry_point", "outcome"},
		),
		throttled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cooldown_throttled_total",
				Help:      "Requests rejected by an active cooldown or an in-flight run.",
			},
			[]string{"entry_point", "reason"},
		),
		completionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "completion_duration_seconds",
				Help:      "Completion provider call latency.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"provider", "model", "status"},
		),
		gatewayConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "discord_gateway_connected",
				Help:      "1 while the Discord gateway session is connected.",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observePipeline(entryPoint EntryPoint, state PipelineState) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(string(entryPoint), state.String()).Inc()
}

func (m *Metrics) observeThrottle(entryPoint EntryPoint, reason string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(string(entryPoint), reason).Inc()
}

func (m *Metrics) observeCompletion(provider, model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.completionDuration.WithLabelValues(provider, model, status).Observe(d.Seconds())
}

func (m *Metrics) setGatewayConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.gatewayConnected.Set(1)
	} else {
		m.gatewayConnected.Set(0)
	}
}
