// Package metrics exposes gateway counters and gauges in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openiotzen"

// Metrics contains all gateway metrics
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	AlertsTotal       prometheus.Counter
	ConnectionsActive *prometheus.GaugeVec
	CommandsSent      *prometheus.CounterVec
	AdapterErrors     *prometheus.CounterVec
}

// New creates the metrics on a private registry, together with Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "received_total",
				Help:      "Telemetry records accepted, by protocol",
			},
			[]string{"protocol"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "dropped_total",
				Help:      "Telemetry messages dropped, by protocol and reason",
			},
			[]string{"protocol", "reason"},
		),
		AlertsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "created_total",
				Help:      "Alerts produced by the filter engine",
			},
		),
		ConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "active",
				Help:      "Online devices, by protocol",
			},
			[]string{"protocol"},
		),
		CommandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "sent_total",
				Help:      "Outbound device commands, by protocol and result",
			},
			[]string{"protocol", "result"},
		),
		AdapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "errors_total",
				Help:      "Transport-level errors reported by adapters",
			},
			[]string{"protocol"},
		),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.AlertsTotal,
		m.ConnectionsActive,
		m.CommandsSent,
		m.AdapterErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
