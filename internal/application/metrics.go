package application

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultDelivered = "delivered"
	resultDropped   = "dropped"
)

// Metrics 投递相关指标，同时保留一份原子计数供 /stats 使用
type Metrics struct {
	eventsPublished *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	liveSessions    prometheus.Gauge
	handshakes      *prometheus.CounterVec

	published int64
	delivered int64
	dropped   int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_events_published_total",
				Help: "Number of events published by kind.",
			},
			[]string{"kind"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_deliveries_total",
				Help: "Number of per-session deliveries by result.",
			},
			[]string{"result"},
		),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_live_sessions",
			Help: "Number of live sessions.",
		}),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_handshakes_total",
				Help: "Number of transport handshakes by result.",
			},
			[]string{"result"},
		),
	}
}

// Register 在 main 包里调用，测试中可不注册
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.eventsPublished, m.deliveries, m.liveSessions, m.handshakes)
}

func (m *Metrics) observePublish(kind string, delivered, dropped int) {
	m.eventsPublished.WithLabelValues(kind).Inc()
	m.deliveries.WithLabelValues(resultDelivered).Add(float64(delivered))
	m.deliveries.WithLabelValues(resultDropped).Add(float64(dropped))

	atomic.AddInt64(&m.published, 1)
	atomic.AddInt64(&m.delivered, int64(delivered))
	atomic.AddInt64(&m.dropped, int64(dropped))
}

func (m *Metrics) sessionOpened() {
	m.liveSessions.Inc()
	m.handshakes.WithLabelValues("ok").Inc()
}

func (m *Metrics) handshakeFailed() { m.handshakes.WithLabelValues("failed").Inc() }
func (m *Metrics) sessionClosed()   { m.liveSessions.Dec() }

func (m *Metrics) counters() (published, delivered, dropped int64) {
	return atomic.LoadInt64(&m.published), atomic.LoadInt64(&m.delivered), atomic.LoadInt64(&m.dropped)
}
