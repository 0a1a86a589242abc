package channel

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Frame kinds used as the "kind" label of frames_received_total.
const (
	frameEvent     = "event"
	frameHeartbeat = "heartbeat"
	frameMalformed = "malformed"
)

// Metrics holds the Prometheus collectors updated by a Manager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	FramesReceived    *prometheus.CounterVec
	HeartbeatsSent    prometheus.Counter
	ReconnectAttempts prometheus.Counter
	OpenChannels      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "factoryctl",
			Subsystem: "channel",
			Name:      "frames_received_total",
			Help:      "Inbound frames by kind (event, heartbeat, malformed).",
		}, []string{"kind"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "factoryctl",
			Subsystem: "channel",
			Name:      "heartbeats_sent_total",
			Help:      "Keep-alive frames written.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "factoryctl",
			Subsystem: "channel",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		OpenChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "factoryctl",
			Subsystem: "channel",
			Name:      "open",
			Help:      "Channels with an open connection.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesReceived, m.HeartbeatsSent, m.ReconnectAttempts, m.OpenChannels)
	}
	return m
}

func (m *Metrics) frame(kind string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) heartbeat() {
	if m != nil {
		m.HeartbeatsSent.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) opened() {
	if m != nil {
		m.OpenChannels.Inc()
	}
}

func (m *Metrics) closed() {
	if m != nil {
		m.OpenChannels.Dec()
	}
}
