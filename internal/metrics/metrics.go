// Package metrics exposes the connection engine's counters through
// github.com/prometheus/client_golang, matching the ambient observability
// stack the rest of the retrieval pack (nabbar-golib) builds on prometheus.
// A nil Registerer leaves the collectors unregistered (they still record,
// but nothing exports them); nothing in the engine requires metrics to be
// configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. Every Metrics returned
// by New, including New(nil), has all collectors constructed, so callers
// never need a nil check before recording.
type Metrics struct {
	ConnectAttempts  *prometheus.CounterVec
	TLSFallbacks     *prometheus.CounterVec
	BytesWritten     prometheus.Counter
	BytesRead        prometheus.Counter
	RequestsSent     prometheus.Counter
	RequestsFailed   prometheus.Counter
	RegistrySize     prometheus.Gauge
}

// New builds the collector set and registers it with reg. A nil reg
// returns a Metrics backed by freestanding (unregistered) collectors, so
// recording is always safe even without a configured registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubsocket",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by resulting security level.",
		}, []string{"level"}),
		TLSFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubsocket",
			Name:      "tls_fallbacks_total",
			Help:      "Silent TLS security-level fallbacks by origin level.",
		}, []string{"from_level"}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubsocket",
			Name:      "bytes_written_total",
			Help:      "Total bytes written to the wire across all connections.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubsocket",
			Name:      "bytes_read_total",
			Help:      "Total bytes read from the wire across all connections.",
		}),
		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubsocket",
			Name:      "requests_sent_total",
			Help:      "Write buffers fully flushed to the wire.",
		}),
		RequestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubsocket",
			Name:      "requests_failed_total",
			Help:      "Write buffers that failed mid-write.",
		}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pubsocket",
			Name:      "registry_connections",
			Help:      "Current number of distinct connections held by the registry.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.ConnectAttempts, m.TLSFallbacks, m.BytesWritten,
			m.BytesRead, m.RequestsSent, m.RequestsFailed, m.RegistrySize)
	}

	return m
}
