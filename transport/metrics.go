package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess  = "success"
	outcomeTimeout  = "timeout"
	outcomeRejected = "rejected"
	outcomeBroken   = "broken"
	outcomeClosed   = "closed"
)

type clientMetrics struct {
	pending       prometheus.Gauge
	calls         *prometheus.CounterVec
	lateResponses prometheus.Counter
	callDuration  prometheus.Histogram
	connections   prometheus.Gauge
}

func newClientMetrics() *clientMetrics {
	return &clientMetrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pbrpc",
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "number of calls waiting for a response",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pbrpc",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "settled calls by outcome",
		}, []string{"outcome"}),
		lateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pbrpc",
			Subsystem: "client",
			Name:      "late_responses_total",
			Help:      "responses dropped because their call had already timed out",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pbrpc",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "time from dispatch to response for successful calls",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pbrpc",
			Subsystem: "client",
			Name:      "connections",
			Help:      "connected sockets across all pools of the client",
		}),
	}
}

// RegisterMetrics exposes the client's collectors on registerer.
func (c *RpcClient) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(c.metrics.pending)
	registerer.MustRegister(c.metrics.calls)
	registerer.MustRegister(c.metrics.lateResponses)
	registerer.MustRegister(c.metrics.callDuration)
	registerer.MustRegister(c.metrics.connections)
}
