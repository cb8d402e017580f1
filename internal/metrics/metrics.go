// Package metrics provides Prometheus metrics for the Toss core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "toss_core"
)

// Metrics contains all Prometheus metrics exported by a running core.
type Metrics struct {
	// Device/connection metrics
	DevicesPaired     prometheus.Gauge
	DevicesConnected  prometheus.Gauge
	DeviceConnects    *prometheus.CounterVec
	DeviceDisconnects *prometheus.CounterVec

	// Pairing metrics
	PairingAttempts  *prometheus.CounterVec
	PairingSuccesses prometheus.Counter
	PairingFailures  *prometheus.CounterVec
	PairingLatency   prometheus.Histogram

	// Sync metrics
	ClipboardSent       *prometheus.CounterVec
	ClipboardReceived   *prometheus.CounterVec
	ClipboardSendErrors *prometheus.CounterVec
	ClipboardAcksFailed prometheus.Counter
	ClipboardBytesSent  prometheus.Counter
	ClipboardBytesRecv  prometheus.Counter
	ConflictsDetected   prometheus.Counter

	// Session metrics
	SessionRotations   *prometheus.CounterVec
	SessionReplayDrops prometheus.Counter
	SessionDecryptFail prometheus.Counter

	// Transport metrics
	QuicConnectsTotal prometheus.Counter
	QuicConnectErrors prometheus.Counter
	RelayState        prometheus.Gauge
	RelayReconnects   prometheus.Counter

	// History metrics
	HistoryItemsPruned prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, used by tests to avoid double-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DevicesPaired: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_paired",
			Help:      "Number of paired devices known to this core",
		}),
		DevicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Number of paired devices with an active transport",
		}),
		DeviceConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_connects_total",
			Help:      "Total device connections by transport",
		}, []string{"transport"}),
		DeviceDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_disconnects_total",
			Help:      "Total device disconnections by reason",
		}, []string{"reason"}),

		PairingAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_attempts_total",
			Help:      "Total pairing attempts by role",
		}, []string{"role"}),
		PairingSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_successes_total",
			Help:      "Total successfully completed pairings",
		}),
		PairingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_failures_total",
			Help:      "Total pairing failures by reason",
		}, []string{"reason"}),
		PairingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pairing_latency_seconds",
			Help:      "Histogram of end-to-end pairing completion latency",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		ClipboardSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_sent_total",
			Help:      "Total clipboard updates sent, by content type",
		}, []string{"content_type"}),
		ClipboardReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_received_total",
			Help:      "Total clipboard updates received and applied, by content type",
		}, []string{"content_type"}),
		ClipboardSendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_send_errors_total",
			Help:      "Total clipboard send failures by reason",
		}, []string{"reason"}),
		ClipboardAcksFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_acks_failed_total",
			Help:      "Total negative clipboard acknowledgements received",
		}),
		ClipboardBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_bytes_sent_total",
			Help:      "Total plaintext bytes of clipboard content sent",
		}),
		ClipboardBytesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipboard_bytes_received_total",
			Help:      "Total plaintext bytes of clipboard content received",
		}),
		ConflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Total inbound updates suppressed by local-wins conflict resolution",
		}),

		SessionRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rotations_total",
			Help:      "Total session key rotations by trigger reason",
		}, []string{"reason"}),
		SessionReplayDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_replay_drops_total",
			Help:      "Total inbound messages rejected as replayed or out of order",
		}),
		SessionDecryptFail: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_decrypt_failures_total",
			Help:      "Total AEAD decrypt failures across all sessions",
		}),

		QuicConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quic_connects_total",
			Help:      "Total successful outbound QUIC connections",
		}),
		QuicConnectErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quic_connect_errors_total",
			Help:      "Total failed outbound QUIC connection attempts",
		}),
		RelayState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_state",
			Help:      "Current relay client state (0=disconnected,1=connecting,2=authenticating,3=ready,4=reconnecting)",
		}),
		RelayReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_total",
			Help:      "Total relay reconnect attempts",
		}),

		HistoryItemsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_items_pruned_total",
			Help:      "Total clipboard history items pruned by age or count policy",
		}),
	}
}

// RecordDeviceConnect records a device coming online over the given
// transport ("quic" or "relay").
func (m *Metrics) RecordDeviceConnect(transport string) {
	m.DevicesConnected.Inc()
	m.DeviceConnects.WithLabelValues(transport).Inc()
}

// RecordDeviceDisconnect records a device going offline.
func (m *Metrics) RecordDeviceDisconnect(reason string) {
	m.DevicesConnected.Dec()
	m.DeviceDisconnects.WithLabelValues(reason).Inc()
}

// RecordPairingAttempt records a pairing attempt as either the
// "advertiser" or "searcher" role.
func (m *Metrics) RecordPairingAttempt(role string) {
	m.PairingAttempts.WithLabelValues(role).Inc()
}

// RecordPairingSuccess records a completed pairing and its latency.
func (m *Metrics) RecordPairingSuccess(latencySeconds float64) {
	m.PairingSuccesses.Inc()
	m.PairingLatency.Observe(latencySeconds)
}

// RecordPairingFailure records a pairing failure under the caller's
// free-form reason label.
func (m *Metrics) RecordPairingFailure(reason string) {
	m.PairingFailures.WithLabelValues(reason).Inc()
}

// RecordClipboardSent records an outbound clipboard update.
func (m *Metrics) RecordClipboardSent(contentType string, bytes int64) {
	m.ClipboardSent.WithLabelValues(contentType).Inc()
	m.ClipboardBytesSent.Add(float64(bytes))
}

// RecordClipboardReceived records an applied inbound clipboard update.
func (m *Metrics) RecordClipboardReceived(contentType string, bytes int64) {
	m.ClipboardReceived.WithLabelValues(contentType).Inc()
	m.ClipboardBytesRecv.Add(float64(bytes))
}

// RecordClipboardSendError records an outbound send failure.
func (m *Metrics) RecordClipboardSendError(reason string) {
	m.ClipboardSendErrors.WithLabelValues(reason).Inc()
}

// RecordClipboardAckFailed records a negative acknowledgement.
func (m *Metrics) RecordClipboardAckFailed() {
	m.ClipboardAcksFailed.Inc()
}

// RecordConflictDetected records a suppressed inbound update under
// local-wins conflict resolution.
func (m *Metrics) RecordConflictDetected() {
	m.ConflictsDetected.Inc()
}

// RecordSessionRotation records a key rotation under the caller's reason
// label (internal/core passes the wire reason code as a decimal string).
func (m *Metrics) RecordSessionRotation(reason string) {
	m.SessionRotations.WithLabelValues(reason).Inc()
}

// RecordSessionReplayDrop records a rejected replayed/out-of-order message.
func (m *Metrics) RecordSessionReplayDrop() {
	m.SessionReplayDrops.Inc()
}

// RecordSessionDecryptFailure records an AEAD decrypt failure.
func (m *Metrics) RecordSessionDecryptFailure() {
	m.SessionDecryptFail.Inc()
}

// RecordQuicConnect records a successful outbound QUIC dial.
func (m *Metrics) RecordQuicConnect() {
	m.QuicConnectsTotal.Inc()
}

// RecordQuicConnectError records a failed outbound QUIC dial.
func (m *Metrics) RecordQuicConnectError() {
	m.QuicConnectErrors.Inc()
}

// SetRelayState mirrors relay.State into the exported gauge.
func (m *Metrics) SetRelayState(state int) {
	m.RelayState.Set(float64(state))
}

// RecordRelayReconnect records a relay reconnect attempt.
func (m *Metrics) RecordRelayReconnect() {
	m.RelayReconnects.Inc()
}

// RecordHistoryItemsPruned adds count to the pruned-items total.
func (m *Metrics) RecordHistoryItemsPruned(count int) {
	m.HistoryItemsPruned.Add(float64(count))
}
