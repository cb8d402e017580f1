package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.DevicesConnected == nil {
		t.Error("DevicesConnected metric is nil")
	}
	if m.ClipboardSent == nil {
		t.Error("ClipboardSent metric is nil")
	}
	if m.SessionRotations == nil {
		t.Error("SessionRotations metric is nil")
	}
}

func TestRecordDeviceConnectDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDeviceConnect("quic")
	m.RecordDeviceConnect("relay")
	m.RecordDeviceDisconnect("timeout")

	connected := testutil.ToFloat64(m.DevicesConnected)
	if connected != 1 {
		t.Errorf("DevicesConnected = %v, want 1", connected)
	}
	quicConnects := testutil.ToFloat64(m.DeviceConnects.WithLabelValues("quic"))
	if quicConnects != 1 {
		t.Errorf("DeviceConnects[quic] = %v, want 1", quicConnects)
	}
}

func TestRecordPairing(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPairingAttempt("advertiser")
	m.RecordPairingAttempt("searcher")
	m.RecordPairingSuccess(2.5)
	m.RecordPairingFailure("NotDiscoverable")

	successes := testutil.ToFloat64(m.PairingSuccesses)
	if successes != 1 {
		t.Errorf("PairingSuccesses = %v, want 1", successes)
	}
	failures := testutil.ToFloat64(m.PairingFailures.WithLabelValues("NotDiscoverable"))
	if failures != 1 {
		t.Errorf("PairingFailures[NotDiscoverable] = %v, want 1", failures)
	}
}

func TestRecordClipboardTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordClipboardSent("text", 100)
	m.RecordClipboardSent("text", 50)
	m.RecordClipboardReceived("image", 2000)
	m.RecordClipboardSendError("disabled")
	m.RecordClipboardAckFailed()
	m.RecordConflictDetected()

	sent := testutil.ToFloat64(m.ClipboardSent.WithLabelValues("text"))
	if sent != 2 {
		t.Errorf("ClipboardSent[text] = %v, want 2", sent)
	}
	bytesSent := testutil.ToFloat64(m.ClipboardBytesSent)
	if bytesSent != 150 {
		t.Errorf("ClipboardBytesSent = %v, want 150", bytesSent)
	}
	bytesRecv := testutil.ToFloat64(m.ClipboardBytesRecv)
	if bytesRecv != 2000 {
		t.Errorf("ClipboardBytesRecv = %v, want 2000", bytesRecv)
	}
	conflicts := testutil.ToFloat64(m.ConflictsDetected)
	if conflicts != 1 {
		t.Errorf("ConflictsDetected = %v, want 1", conflicts)
	}
}

func TestRecordSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionRotation("CounterExhausted")
	m.RecordSessionRotation("CounterExhausted")
	m.RecordSessionReplayDrop()
	m.RecordSessionDecryptFailure()

	rotations := testutil.ToFloat64(m.SessionRotations.WithLabelValues("CounterExhausted"))
	if rotations != 2 {
		t.Errorf("SessionRotations[CounterExhausted] = %v, want 2", rotations)
	}
	replays := testutil.ToFloat64(m.SessionReplayDrops)
	if replays != 1 {
		t.Errorf("SessionReplayDrops = %v, want 1", replays)
	}
}

func TestRecordTransport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordQuicConnect()
	m.RecordQuicConnect()
	m.RecordQuicConnectError()
	m.SetRelayState(3)
	m.RecordRelayReconnect()

	connects := testutil.ToFloat64(m.QuicConnectsTotal)
	if connects != 2 {
		t.Errorf("QuicConnectsTotal = %v, want 2", connects)
	}
	state := testutil.ToFloat64(m.RelayState)
	if state != 3 {
		t.Errorf("RelayState = %v, want 3", state)
	}
}

func TestRecordHistoryPruned(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHistoryItemsPruned(5)
	m.RecordHistoryItemsPruned(3)

	pruned := testutil.ToFloat64(m.HistoryItemsPruned)
	if pruned != 8 {
		t.Errorf("HistoryItemsPruned = %v, want 8", pruned)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
