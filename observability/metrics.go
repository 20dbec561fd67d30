// Package observability holds the process-wide Prometheus metrics for the
// central system. Metrics work unregistered, so library code records freely
// and only binaries that expose an endpoint call Register.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "csms",
		Name:      "connected_sessions",
		Help:      "Charge point sessions currently registered.",
	})

	outboundCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "csms",
		Name:      "outbound_calls_total",
		Help:      "Outbound calls by action and outcome.",
	}, []string{"action", "outcome"})

	protocolAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "csms",
		Name:      "protocol_anomalies_total",
		Help:      "Protocol anomalies by kind.",
	}, []string{"kind"})
)

// Register installs the metrics on the default registerer. Only the first
// call registers; later calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectedSessions, outboundCalls, protocolAnomalies)
	})
}

func SessionRegistered() { connectedSessions.Inc() }

func SessionClosed() { connectedSessions.Dec() }

// RecordCall counts one finished outbound call. Outcomes: ok, call_error,
// timeout, session_closed.
func RecordCall(action, outcome string) {
	outboundCalls.WithLabelValues(action, outcome).Inc()
}

// RecordAnomaly counts a protocol anomaly. Kinds: malformed_frame,
// unknown_correlation_id.
func RecordAnomaly(kind string) {
	protocolAnomalies.WithLabelValues(kind).Inc()
}
