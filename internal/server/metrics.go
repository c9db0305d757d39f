package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus instruments on a private registry so
// tests can build servers without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced     *prometheus.CounterVec
	riskDenials      prometheus.Counter
	providerFailures *prometheus.CounterVec
	tunnelRestarts   prometheus.Counter
	wsClients        prometheus.Gauge
	evaluations      prometheus.Counter
}

// NewMetrics creates and registers the instrument set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_orders_placed_total",
				Help: "Orders accepted by the risk gate and sent to the broker",
			},
			[]string{"side"},
		),
		riskDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_risk_denials_total",
				Help: "Orders denied by the risk gate",
			},
		),
		providerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_provider_failures_total",
				Help: "Scoring provider calls that errored or timed out",
			},
			[]string{"provider"},
		),
		tunnelRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_tunnel_restarts_total",
				Help: "Tunnel service restart attempts",
			},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_ws_clients",
				Help: "Connected WebSocket event-stream clients",
			},
		),
		evaluations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_evaluations_total",
				Help: "Ensemble evaluations performed",
			},
		),
	}
	m.registry.MustRegister(
		m.ordersPlaced,
		m.riskDenials,
		m.providerFailures,
		m.tunnelRestarts,
		m.wsClients,
		m.evaluations,
	)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderPlaced(side string)        { m.ordersPlaced.WithLabelValues(side).Inc() }
func (m *Metrics) RiskDenied()                    { m.riskDenials.Inc() }
func (m *Metrics) ProviderFailed(provider string) { m.providerFailures.WithLabelValues(provider).Inc() }
func (m *Metrics) TunnelRestarted()               { m.tunnelRestarts.Inc() }
func (m *Metrics) WSClientConnected()             { m.wsClients.Inc() }
func (m *Metrics) WSClientDisconnected()          { m.wsClients.Dec() }
func (m *Metrics) EvaluationDone()                { m.evaluations.Inc() }
