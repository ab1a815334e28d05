package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by clients. A nil *Metrics
// records nothing.
type Metrics struct {
	calls      prometheus.Counter
	replies    *prometheus.CounterVec
	timeouts   prometheus.Counter
	pushed     prometheus.Counter
	reconnects prometheus.Counter
	inflight   prometheus.Gauge
}

// NewMetrics creates the client collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Calls accepted by Client.Call",
		}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "replies_total",
			Help:      "Replies matched to an in-flight call, by result",
		}, []string{"result"}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "timeouts_total",
			Help:      "In-flight calls failed by their timeout",
		}),
		pushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "pushed_events_total",
			Help:      "Server-pushed events published",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "disconnects_total",
			Help:      "Transport closes that entered reconnect backoff",
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "inflight_calls",
			Help:      "Calls sent and awaiting a reply",
		}),
	}
}

func (m *Metrics) called() {
	if m != nil {
		m.calls.Inc()
	}
}

func (m *Metrics) replied(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.replies.WithLabelValues(result).Inc()
}

func (m *Metrics) timedOut() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) pushedEvent() {
	if m != nil {
		m.pushed.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) addInflight(delta int) {
	if m != nil {
		m.inflight.Add(float64(delta))
	}
}
