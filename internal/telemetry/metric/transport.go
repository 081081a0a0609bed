package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Transport holds the messaging transport collectors.
type Transport struct {
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	StatusErrors      *prometheus.CounterVec
	Connections       prometheus.Gauge
	HandshakeFailures *prometheus.CounterVec
	Suspicions        prometheus.Counter
	SendDuration      prometheus.Histogram
}

// NewTransport creates the transport collectors and registers them on reg
// when it is non-nil.
func NewTransport(reg prometheus.Registerer) *Transport {
	t := &Transport{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Total number of data messages sent",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Total number of data messages dispatched to handlers",
		}),
		StatusErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "send_errors_total",
			Help:      "Synchronous sends that ended in an error, by reason",
		}, []string{"reason"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Number of valid peer connections",
		}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "handshake_failures_total",
			Help:      "Handshakes rejected, by reason",
		}, []string{"reason"}),
		Suspicions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "idle_suspicions_total",
			Help:      "Idle timeouts that raised a peer suspicion",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "send_duration_seconds",
			Help:      "Round trip time of synchronous sends",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}

	if reg != nil {
		reg.MustRegister(t.MessagesSent, t.MessagesReceived, t.StatusErrors,
			t.Connections, t.HandshakeFailures, t.Suspicions, t.SendDuration)
	}
	return t
}

func (t *Transport) Sent() {
	if t != nil {
		t.MessagesSent.Inc()
	}
}

func (t *Transport) Received() {
	if t != nil {
		t.MessagesReceived.Inc()
	}
}

func (t *Transport) SendFailed(reason string) {
	if t != nil {
		t.StatusErrors.WithLabelValues(reason).Inc()
	}
}

func (t *Transport) ConnUp() {
	if t != nil {
		t.Connections.Inc()
	}
}

func (t *Transport) ConnDown() {
	if t != nil {
		t.Connections.Dec()
	}
}

func (t *Transport) HandshakeFailed(reason string) {
	if t != nil {
		t.HandshakeFailures.WithLabelValues(reason).Inc()
	}
}

func (t *Transport) Suspected() {
	if t != nil {
		t.Suspicions.Inc()
	}
}

func (t *Transport) ObserveSend(d time.Duration) {
	if t != nil {
		t.SendDuration.Observe(d.Seconds())
	}
}
