package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	if m.EgressSent == nil {
		t.Error("EgressSent counter should not be nil")
	}
	if m.ChangeStreamEvents == nil {
		t.Error("ChangeStreamEvents counter should not be nil")
	}
	if m.CursorStoreErrors == nil {
		t.Error("CursorStoreErrors counter should not be nil")
	}
	if m.ProcessingDuration == nil {
		t.Error("ProcessingDuration histogram should not be nil")
	}
	if m.InitialLoadDuration == nil {
		t.Error("InitialLoadDuration histogram should not be nil")
	}
	if m.BreakerState == nil {
		t.Error("BreakerState gauge should not be nil")
	}
	if m.SourceConnected == nil {
		t.Error("SourceConnected gauge should not be nil")
	}
	if m.LogConnected == nil {
		t.Error("LogConnected gauge should not be nil")
	}
}

func TestRecordEgress(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordEgress(true)
	m.RecordEgress(true)
	m.RecordEgress(false)

	if got := testutil.ToFloat64(m.EgressSent.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.EgressSent.WithLabelValues("err")); got != 1 {
		t.Errorf("expected 1 err delivery, got %v", got)
	}
}

func TestRecordChangeEvent(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordChangeEvent("processed")
	m.RecordChangeEvent("unknown")
	m.RecordChangeEvent("unknown")

	if got := testutil.ToFloat64(m.ChangeStreamEvents.WithLabelValues("unknown")); got != 2 {
		t.Errorf("expected 2 unknown events, got %v", got)
	}
}

func TestRecordCursorStoreError(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordCursorStoreError("save")

	if count := testutil.CollectAndCount(m.CursorStoreErrors); count == 0 {
		t.Error("expected cursor store error to be recorded")
	}
}

func TestSetBreakerState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetBreakerState("source", 2)

	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("source")); got != 2 {
		t.Errorf("expected breaker state 2, got %v", got)
	}
}

func TestSetSourceAndLogConnected(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetSourceConnected(true)
	m.SetLogConnected(false)

	if got := testutil.ToFloat64(m.SourceConnected); got != 1 {
		t.Errorf("expected source connected gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.LogConnected); got != 0 {
		t.Errorf("expected log connected gauge 0, got %v", got)
	}
}

func TestRecordProcessingDuration(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordProcessingDuration("snapshot", 0.5)
	m.RecordProcessingDuration("change_feed", 0.1)

	if count := testutil.CollectAndCount(m.ProcessingDuration); count == 0 {
		t.Error("Expected durations to be recorded")
	}
}
