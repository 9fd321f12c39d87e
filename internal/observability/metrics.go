package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wsmux",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Client calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	rpcCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wsmux",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Client call round trip in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	rpcPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "rpc",
			Name:      "pushes_total",
			Help:      "Pushes received by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)
	rpcUnmatchedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "rpc",
			Name:      "unmatched_responses_total",
			Help:      "Responses whose id matched no pending call.",
		},
	)
	rpcProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "rpc",
			Name:      "protocol_errors_total",
			Help:      "Malformed wire messages dropped.",
		},
		[]string{"side"},
	)
	connTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Connection state transitions.",
		},
		[]string{"from", "to"},
	)
	connReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Dial and handshake attempts after the first, by outcome.",
		},
		[]string{"outcome"},
	)
	serverClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wsmux",
			Subsystem: "server",
			Name:      "clients",
			Help:      "Sessions currently attached to the server.",
		},
	)
	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests handled by the server by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	serverPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsmux",
			Subsystem: "server",
			Name:      "pushes_sent_total",
			Help:      "Pushes written to subscribed clients.",
		},
		[]string{"topic"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			rpcCalls, rpcCallDuration, rpcPushes, rpcUnmatchedResponses, rpcProtocolErrors,
			connTransitions, connReconnects,
			serverClients, serverRequests, serverPublished,
		)
	})
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCall(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(method, outcome).Inc()
	rpcCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordPush(topic, outcome string) {
	RegisterMetrics()
	rpcPushes.WithLabelValues(topic, outcome).Inc()
}

func RecordUnmatchedResponse() {
	RegisterMetrics()
	rpcUnmatchedResponses.Inc()
}

func RecordProtocolError(side string) {
	RegisterMetrics()
	rpcProtocolErrors.WithLabelValues(side).Inc()
}

func RecordTransition(from, to string) {
	RegisterMetrics()
	connTransitions.WithLabelValues(from, to).Inc()
}

func RecordReconnectAttempt(success bool) {
	RegisterMetrics()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	connReconnects.WithLabelValues(outcome).Inc()
}

func AddServerClients(delta float64) {
	RegisterMetrics()
	serverClients.Add(delta)
}

func RecordServerRequest(method, outcome string) {
	RegisterMetrics()
	serverRequests.WithLabelValues(method, outcome).Inc()
}

func RecordServerPush(topic string) {
	RegisterMetrics()
	serverPublished.WithLabelValues(topic).Inc()
}
