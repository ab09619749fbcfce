package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is optional, nil *Metrics is a no-op.
type Metrics struct {
	subscribers  prometheus.Gauge
	connects     prometheus.Counter
	disconnects  *prometheus.CounterVec
	broadcasts   *prometheus.CounterVec
	sendFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telerelay",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Currently registered subscribers",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "hub",
			Name:      "connects_total",
			Help:      "Subscribers registered",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "hub",
			Name:      "disconnects_total",
			Help:      "Subscribers removed by reason",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Records broadcast by kind",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "hub",
			Name:      "send_failures_total",
			Help:      "Failed sends to individual subscribers",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.subscribers, m.connects, m.disconnects, m.broadcasts, m.sendFailures)
	}
	return m
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.connects.Inc()
	m.subscribers.Inc()
}

func (m *Metrics) disconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
	m.subscribers.Dec()
}

func (m *Metrics) broadcast(kind string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind).Inc()
}

func (m *Metrics) sendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}
