// Package metrics holds the Prometheus instrumentation for the delivery layer.
//
// All recording methods are safe to call on a nil receiver, so components can
// run uninstrumented in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realtime"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves the registry's metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Connection holds metrics for the push channel.
type Connection struct {
	Status            *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	HandlerPanics     prometheus.Counter
	QueueDepth        prometheus.Gauge
}

// NewConnection creates and registers push-channel metrics on reg.
func NewConnection(reg prometheus.Registerer) *Connection {
	m := &Connection{
		Status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "status",
			Help:      "1 for the current connection status, 0 for the others.",
		}, []string{"status"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled automatic reconnect attempts.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped because they could not be parsed.",
		}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "handler_panics_total",
			Help:      "Subscriber callbacks that panicked during dispatch.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "outbound_queue_depth",
			Help:      "Messages waiting for the next successful connection.",
		}),
	}

	reg.MustRegister(m.Status, m.ReconnectAttempts, m.FramesReceived, m.FramesDropped, m.HandlerPanics, m.QueueDepth)
	return m
}

// SetStatus marks status as the current one among all.
func (m *Connection) SetStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.Status.WithLabelValues(s).Set(v)
	}
}

func (m *Connection) IncReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Connection) IncReceived(msgType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

func (m *Connection) IncDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Connection) AddHandlerPanics(n int) {
	if m == nil || n == 0 {
		return
	}
	m.HandlerPanics.Add(float64(n))
}

func (m *Connection) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// Polling holds metrics for the status polling scheduler.
type Polling struct {
	Fetches *prometheus.CounterVec
	Active  prometheus.Gauge
}

// NewPolling creates and registers polling metrics on reg.
func NewPolling(reg prometheus.Registerer) *Polling {
	m := &Polling{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "fetches_total",
			Help:      "Status snapshot fetches by result (ok, error, aborted).",
		}, []string{"result"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "active",
			Help:      "1 while the polling scheduler is active.",
		}),
	}

	reg.MustRegister(m.Fetches, m.Active)
	return m
}

func (m *Polling) IncFetch(result string) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(result).Inc()
}

func (m *Polling) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.Active.Set(1)
		return
	}
	m.Active.Set(0)
}
