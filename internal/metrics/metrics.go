// Package metrics exposes Prometheus counters for the protocol engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	FramesSent       prometheus.Counter
	FramesReceived   prometheus.Counter
	FragmentsBuilt   prometheus.Counter
	AcksReceived     prometheus.Counter
	SendRetries      prometheus.Counter
	HeartbeatsMissed prometheus.Counter
	SessionsActive   prometheus.Gauge
	Payments         *prometheus.CounterVec
}

// New builds a registry-backed metrics set. A nil *Metrics is safe to use
// everywhere; each accessor tolerates it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpay_frames_sent_total",
			Help: "Wire frames written to peer connections.",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpay_frames_received_total",
			Help: "Wire frames received from peer connections.",
		}),
		FragmentsBuilt: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpay_fragments_built_total",
			Help: "Fragments produced by the outbound codec.",
		}),
		AcksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpay_acks_received_total",
			Help: "Delivery acknowledgements received.",
		}),
		SendRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpay_send_retries_total",
			Help: "Whole-message retransmissions after ack timeout.",
		}),
		HeartbeatsMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshpay_heartbeats_missed_total",
			Help: "Heartbeat intervals that elapsed without a response.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshpay_sessions_active",
			Help: "Encrypted sessions currently established.",
		}),
		Payments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshpay_payments_total",
			Help: "Payment sessions by terminal outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Inc(c prometheus.Counter) {
	if m == nil || c == nil {
		return
	}
	c.Inc()
}

func (m *Metrics) AddSessions(delta float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(delta)
}

func (m *Metrics) Payment(outcome string) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
