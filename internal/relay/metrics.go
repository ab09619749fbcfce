package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/temoto/telerelay/internal/device"
	"github.com/temoto/telerelay/internal/queue"
)

type metrics struct {
	deviceConnected prometheus.Gauge
	deviceConnects  prometheus.Counter
	deviceBytes     prometheus.Counter
	pongs           prometheus.Counter
	logErrors       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, q *queue.Queue) *metrics {
	m := &metrics{
		deviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telerelay",
			Subsystem: "device",
			Name:      "connected",
			Help:      "1 when serial device is connected",
		}),
		deviceConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "device",
			Name:      "connects_total",
			Help:      "Successful serial device connections",
		}),
		deviceBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "device",
			Name:      "read_bytes_total",
			Help:      "Raw bytes received from serial device",
		}),
		pongs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "relay",
			Name:      "pongs_total",
			Help:      "Application level ping requests answered",
		}),
		logErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "log",
			Name:      "errors_total",
			Help:      "Errors written to log",
		}),
	}
	reg.MustRegister(
		m.deviceConnected,
		m.deviceConnects,
		m.deviceBytes,
		m.pongs,
		m.logErrors,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "telerelay",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Records dropped on queue overflow",
		}, func() float64 { return float64(q.Dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "telerelay",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Records waiting for broadcast",
		}, func() float64 { return float64(q.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "telerelay",
			Subsystem: "queue",
			Name:      "capacity",
			Help:      "Queue size limit, oldest records drop beyond it",
		}, func() float64 { return float64(q.Cap()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) deviceState(s device.State) {
	switch s {
	case device.Connected:
		m.deviceConnected.Set(1)
		m.deviceConnects.Inc()
	default:
		m.deviceConnected.Set(0)
	}
}
