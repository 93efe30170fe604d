// Package metrics provides Prometheus metrics for Veksel.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "veksel"
)

// Metrics contains all Prometheus metrics for the client.
type Metrics struct {
	// Tunnel lifecycle
	TunnelsActive prometheus.Gauge
	TunnelsTotal  prometheus.Counter
	TunnelErrors  *prometheus.CounterVec

	// Data transfer
	BytesUpstream   prometheus.Counter
	BytesDownstream prometheus.Counter

	// SOCKS5 front end
	RequestsTotal prometheus.Counter
	RepliesTotal  *prometheus.CounterVec

	// Relay session establishment
	RelayHandshakeLatency prometheus.Histogram
	RelayDialErrors       prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of currently active tunnels",
		}),
		TunnelsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "Total number of tunnels accepted",
		}),
		TunnelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_errors_total",
			Help:      "Total tunnel failures by stage",
		}, []string{"stage"}),

		BytesUpstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_upstream_total",
			Help:      "Bytes forwarded from clients to the relay",
		}),
		BytesDownstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downstream_total",
			Help:      "Bytes forwarded from the relay to clients",
		}),

		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_requests_total",
			Help:      "Total SOCKS5 requests parsed",
		}),
		RepliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_replies_total",
			Help:      "SOCKS5 replies sent by reply code",
		}, []string{"code"}),

		RelayHandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_handshake_seconds",
			Help:      "Time from CONNECT request to relay session ready",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RelayDialErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dial_errors_total",
			Help:      "Failed connection attempts to the relay",
		}),
	}
}

// ObserveHandshake records the relay handshake duration.
func (m *Metrics) ObserveHandshake(start time.Time) {
	m.RelayHandshakeLatency.Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on the given address. It blocks until the server
// stops.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
