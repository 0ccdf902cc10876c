// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

type Relay struct {
	Rooms       prometheus.Gauge
	Connections prometheus.Gauge
	Bytes       *prometheus.CounterVec
	Messages    *prometheus.CounterVec
	Relayed     *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
	Kicked      *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Relay {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Relay{
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms",
			Help: "Open rooms.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Live physical connections.",
		}),
		Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_total",
			Help: "Message bytes read and written, framing excluded.",
		}, []string{"direction"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Messages read and written.",
		}, []string{"direction"}),
		Relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relayed_total",
			Help: "Payloads relayed between hosts and peers.",
		}, []string{"direction"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_total",
			Help: "Refused joins and room creations by reason.",
		}, []string{"reason"}),
		Kicked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "kicked_total",
			Help: "Connections closed by the relay by reason.",
		}, []string{"reason"}),
	}
}

func (m *Relay) ObserveRead(n int) {
	m.Bytes.WithLabelValues("in").Add(float64(n))
	m.Messages.WithLabelValues("in").Inc()
}

func (m *Relay) ObserveWrite(n int) {
	m.Bytes.WithLabelValues("out").Add(float64(n))
	m.Messages.WithLabelValues("out").Inc()
}
