// Package metrics provides Prometheus metrics for the gateway control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectsTotal     *prometheus.CounterVec
	ReconnectsTotal   prometheus.Counter
	RPCsTotal         *prometheus.CounterVec
	RPCDuration       *prometheus.HistogramVec
	InstanceUp        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawster_gateway_connections_active",
				Help: "Number of live gateway sessions.",
			},
		),
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawster_gateway_connects_total",
				Help: "Total connect attempts by outcome.",
			},
			[]string{"status"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clawster_gateway_reconnects_total",
				Help: "Total reconnect attempts across all instances.",
			},
		),
		RPCsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawster_gateway_rpcs_total",
				Help: "Total gateway RPCs by method and outcome.",
			},
			[]string{"method", "status"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawster_gateway_rpc_duration_seconds",
				Help:    "Gateway RPC duration by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		InstanceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clawster_instance_up",
				Help: "1 when the instance's last health check passed.",
			},
			[]string{"instance"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ConnectionsActive)
	reg.MustRegister(m.ConnectsTotal)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.RPCsTotal)
	reg.MustRegister(m.RPCDuration)
	reg.MustRegister(m.InstanceUp)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnect increments the connect counter.
func (m *Metrics) RecordConnect(status string) {
	m.ConnectsTotal.WithLabelValues(status).Inc()
}

// RecordRPC increments the RPC counter and observes its duration.
func (m *Metrics) RecordRPC(method, status string, seconds float64) {
	m.RPCsTotal.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(seconds)
}

// SetInstanceUp flags the instance's health state.
func (m *Metrics) SetInstanceUp(instance string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.InstanceUp.WithLabelValues(instance).Set(v)
}
