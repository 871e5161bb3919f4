// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries every collector on a private registry so tests can
// construct as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	BrokerRequests *prometheus.CounterVec
	OrdersPlaced   prometheus.Counter
	OrdersRejected prometheus.Counter
	HubEvents      *prometheus.CounterVec
	WSBroadcasts   prometheus.Counter
	Subscribers    prometheus.Gauge
	RunningBots    prometheus.Gauge
}

// New creates the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		BrokerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topstepx_broker_requests_total",
			Help: "Broker REST requests by endpoint and outcome kind.",
		}, []string{"endpoint", "kind"}),
		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "topstepx_orders_placed_total",
			Help: "Orders accepted by the broker.",
		}),
		OrdersRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "topstepx_orders_rejected_total",
			Help: "Orders rejected before or by the broker.",
		}),
		HubEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topstepx_hub_events_total",
			Help: "Stream events fanned out by the hub, by type.",
		}, []string{"type"}),
		WSBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "topstepx_ws_broadcasts_total",
			Help: "Messages broadcast to websocket subscribers.",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "topstepx_ws_subscribers",
			Help: "Connected websocket subscribers.",
		}),
		RunningBots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "topstepx_running_bots",
			Help: "Bots currently in the RUNNING state.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
