// Package metrics 会话运行期指标（prometheus）。
// 每个 Metrics 使用独立的 Registry，便于同一进程内多个会话（以及测试）共存。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "posrelay"

// Metrics 所有方法对 nil 接收者安全，未启用指标时直接传 nil
type Metrics struct {
	Registry *prometheus.Registry

	Ticks               prometheus.Counter
	TickDuration        prometheus.Histogram
	MessagesReceived    prometheus.Counter
	MessagesSent        prometheus.Counter
	SendErrors          prometheus.Counter
	BadMessages         prometheus.Counter
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectedClients    prometheus.Gauge
	RegistryEntries     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Number of session ticks processed",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one session tick",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages drained from the transport",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Sends rejected by the transport",
		}),
		BadMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_messages_total",
			Help:      "Received messages that failed to parse or were unexpected",
		}),
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Inbound connections accepted by the server",
		}),
		ConnectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Inbound connections closed during accept",
		}),
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Connections currently in the server client list",
		}),
		RegistryEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Known participant positions",
		}),
	}
}

// Handler 导出本实例的指标
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) IncReceived() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) IncSendError() {
	if m != nil {
		m.SendErrors.Inc()
	}
}

func (m *Metrics) IncBadMessage() {
	if m != nil {
		m.BadMessages.Inc()
	}
}

func (m *Metrics) IncAccepted() {
	if m != nil {
		m.ConnectionsAccepted.Inc()
	}
}

func (m *Metrics) IncRejected() {
	if m != nil {
		m.ConnectionsRejected.Inc()
	}
}

// AddTick 记录一次 Tick 的耗时与当时的规模
func (m *Metrics) AddTick(d time.Duration, clients, entries int) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
	m.ConnectedClients.Set(float64(clients))
	m.RegistryEntries.Set(float64(entries))
}
