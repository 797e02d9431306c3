package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"

	"github.com/BYTEDz/PCLink/internal/hub"
)

// Metrics aggregates the operator-facing counters.
type Metrics struct {
	registry *prometheus.Registry

	PairingOutcomes  *prometheus.CounterVec
	TransferBytes    *prometheus.CounterVec
	EventsPublished  prometheus.CounterFunc
	ConnectedDevices prometheus.GaugeFunc
}

func NewMetrics(h *hub.Hub) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PairingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pclink_pairing_outcomes_total",
			Help: "Pairing requests by terminal outcome.",
		}, []string{"outcome"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pclink_transfer_bytes_total",
			Help: "Bytes moved through the transfer engine.",
		}, []string{"direction"}),
		EventsPublished: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "pclink_events_published_total",
			Help: "Event envelopes published to the session hub.",
		}, func() float64 {
			published, _ := h.Stats()
			return float64(published)
		}),
		ConnectedDevices: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pclink_connected_devices",
			Help: "Devices with an open WebSocket.",
		}, func() float64 {
			return float64(len(h.ConnectedDevices()))
		}),
	}
	reg.MustRegister(m.PairingOutcomes, m.TransferBytes, m.EventsPublished, m.ConnectedDevices)
	return m
}

// Handler serves the prometheus text exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
