package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nikitapn/nprpc-sub000/metrics"
	"github.com/nikitapn/nprpc-sub000/wire"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNewRegistersEveryCollectorOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if m == nil {
		t.Fatalf("expected non-nil Metrics")
	}

	// registering a second time against the same registry would panic on
	// duplicate collectors; confirm the registry actually gathered them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}
}

func TestSessionOpenedClosedTracksGaugePerScheme(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.SessionOpened("tcp")
	m.SessionOpened("tcp")
	m.SessionOpened("quic")
	m.SessionClosed("tcp")

	if got := gaugeValue(t, m.ActiveSessions.WithLabelValues("tcp")); got != 1 {
		t.Fatalf("expected 1 active tcp session, got %v", got)
	}
	if got := gaugeValue(t, m.ActiveSessions.WithLabelValues("quic")); got != 1 {
		t.Fatalf("expected 1 active quic session, got %v", got)
	}
}

func TestStreamOpenedClosed(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	if got := gaugeValue(t, m.ActiveStreams); got != 1 {
		t.Fatalf("expected 1 active stream, got %v", got)
	}
}

func TestObserveCallIncrementsCounterByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveCall(wire.FunctionCall, wire.Success, 0.01)
	m.ObserveCall(wire.FunctionCall, wire.ErrorBadAccess, 0.02)

	var c dto.Metric
	if err := m.CallsTotal.WithLabelValues(wire.FunctionCall.String(), wire.Success.String()).Write(&c); err != nil {
		t.Fatalf("write: %v", err)
	}
	if c.GetCounter().GetValue() != 1 {
		t.Fatalf("expected 1 success call recorded, got %v", c.GetCounter().GetValue())
	}
}

func TestSetShmRingOccupancyAndReferencesAlive(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.SetShmRingOccupancy("chan-1", "send", 0.75)
	if got := gaugeValue(t, m.ShmRingUsedPct.WithLabelValues("chan-1", "send")); got != 0.75 {
		t.Fatalf("expected 0.75 ring occupancy, got %v", got)
	}

	m.SetReferencesAlive(42)
	if got := gaugeValue(t, m.ReferencesAlive); got != 42 {
		t.Fatalf("expected 42 references alive, got %v", got)
	}
}
