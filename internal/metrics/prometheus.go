package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the recorder's collectors. Each instance owns its registry
// so tests can build as many as they need. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionOpens     prometheus.Counter
	ReconnectAttempts   prometheus.Counter
	ReconnectionFailed  prometheus.Counter
	ProbeFailures       prometheus.Counter
	QueuedMessages      prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge

	ChunksSent     prometheus.Counter
	ChunksBuffered prometheus.Gauge
	ChunksAcked    prometheus.Counter
	StorageBytes   prometheus.Gauge

	FinalizeOutcomes *prometheus.CounterVec
	FallbackPolls    *prometheus.CounterVec
	CleanupDeleted   *prometheus.CounterVec
	SessionStates    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_connection_opens_total",
			Help: "Total number of successful transport opens",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		}),
		ReconnectionFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_reconnection_failed_total",
			Help: "Times the consecutive failure ceiling was reached",
		}),
		ProbeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_probe_failures_total",
			Help: "Liveness probes that found the server unreachable",
		}),
		QueuedMessages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_queued_messages",
			Help: "Outbound messages waiting for the next open",
		}),
		ConsecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_consecutive_failures",
			Help: "Current consecutive connection failure count",
		}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_sent_total",
			Help: "Audio chunks written to the transport",
		}),
		ChunksBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_chunks_buffered",
			Help: "Audio chunks held in memory or durable storage",
		}),
		ChunksAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_acked_total",
			Help: "Distinct chunk acknowledgments received",
		}),
		StorageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_storage_bytes",
			Help: "Estimated durable storage usage in bytes",
		}),
		FinalizeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_finalize_total",
			Help: "Finalization outcomes by result",
		}, []string{"result"}),
		FallbackPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_fallback_polls_total",
			Help: "HTTP fallback status polls by result",
		}, []string{"result"}),
		CleanupDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_cleanup_deleted_total",
			Help: "Records removed by storage cleanup",
		}, []string{"kind"}),
		SessionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_session_transitions_total",
			Help: "Session coordinator state transitions",
		}, []string{"state"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ConnectionOpens.Inc()
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) ReconnectionFailure() {
	if m != nil {
		m.ReconnectionFailed.Inc()
	}
}

func (m *Metrics) ProbeFailure() {
	if m != nil {
		m.ProbeFailures.Inc()
	}
}

func (m *Metrics) SetQueued(n int) {
	if m != nil {
		m.QueuedMessages.Set(float64(n))
	}
}

func (m *Metrics) SetFailures(n int) {
	if m != nil {
		m.ConsecutiveFailures.Set(float64(n))
	}
}

func (m *Metrics) ChunkSent() {
	if m != nil {
		m.ChunksSent.Inc()
	}
}

func (m *Metrics) SetBuffered(n int) {
	if m != nil {
		m.ChunksBuffered.Set(float64(n))
	}
}

func (m *Metrics) ChunkAcked() {
	if m != nil {
		m.ChunksAcked.Inc()
	}
}

func (m *Metrics) SetStorageBytes(b float64) {
	if m != nil {
		m.StorageBytes.Set(b)
	}
}

func (m *Metrics) Finalized(result string) {
	if m != nil {
		m.FinalizeOutcomes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) FallbackPolled(result string) {
	if m != nil {
		m.FallbackPolls.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CleanedUp(kind string, n int) {
	if m != nil && n > 0 {
		m.CleanupDeleted.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) StateChanged(state string) {
	if m != nil {
		m.SessionStates.WithLabelValues(state).Inc()
	}
}
