// Package metrics exposes the broker's Prometheus registry: table
// occupancy, write/fan-out throughput, tx errors, and enumeration traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every metric the broker updates. A client process that
// wants its own metrics can build one too; the two never share global
// package-level vars, so a broker and a client in the same test binary
// don't collide on registration.
type Registry struct {
	ClientsActive  prometheus.Gauge
	ClientsMax     prometheus.Gauge
	EventsDefined  prometheus.Gauge
	ChannelsActive prometheus.Gauge

	WritesTotal     prometheus.Counter
	ReadsTotal      prometheus.Counter
	FanoutTotal     prometheus.Counter
	FanoutTxErrors  prometheus.Counter
	SubscribeTotal  prometheus.Counter
	LostRedelivered prometheus.Counter

	EnumPacketsServed *prometheus.CounterVec // label: kind=events|clients|channels

	AcceptsRejected prometheus.Counter
	UpdateCounter   prometheus.Gauge

	registry *prometheus.Registry
}

// New constructs a fresh Registry backed by its own prometheus.Registry
// (not the global default), matching the teacher's pattern of
// package-level metric declarations but scoped per-process instead of per
// package so tests can spin up independent brokers without double
// registration panics.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		ClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncscribe_clients_active",
			Help: "Current number of connected clients",
		}),
		ClientsMax: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncscribe_clients_max",
			Help: "Configured client table capacity",
		}),
		EventsDefined: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncscribe_events_defined",
			Help: "Current number of defined events",
		}),
		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncscribe_channels_active",
			Help: "Current number of active channel rendezvous records",
		}),
		WritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncscribe_writes_total",
			Help: "Total number of WRITE opcodes processed",
		}),
		ReadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncscribe_reads_total",
			Help: "Total number of READ opcodes processed",
		}),
		FanoutTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncscribe_fanout_events_total",
			Help: "Total number of EVENT packets sent to subscribers",
		}),
		FanoutTxErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncscribe_fanout_tx_errors_total",
			Help: "Total number of send errors encountered during fan-out",
		}),
		SubscribeTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncscribe_subscribe_total",
			Help: "Total number of SUBSCRIBE opcodes processed",
		}),
		LostRedelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncscribe_lost_redelivered_total",
			Help: "Total number of catch-up EVENT packets sent on stale subscribe",
		}),
		EnumPacketsServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncscribe_enum_packets_served_total",
			Help: "Total number of enumeration packets served, by kind",
		}, []string{"kind"}),
		AcceptsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncscribe_accepts_rejected_total",
			Help: "Total number of TCP accepts rejected by the connection-rate guard",
		}),
		UpdateCounter: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncscribe_update_counter",
			Help: "Current broker-global monotone write sequence",
		}),
	}
}

// Handler returns the promhttp handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
