package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	if c, ok := h.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func getHistogramVecCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	// Prometheus histogram implements prometheus.Metric via the observer
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRunLifecycle(t *testing.T) {
	ActiveRuns.Set(0) // Reset

	RecordRunStart("api")
	if val := getGaugeValue(ActiveRuns); val != 1 {
		t.Errorf("ActiveRuns after start = %f, want 1", val)
	}
	if val := getCounterValue(RunsStartedTotal, "api"); val < 1 {
		t.Errorf("RunsStartedTotal = %f, want >= 1", val)
	}

	RecordRunComplete("completed", 42*time.Second)
	if val := getGaugeValue(ActiveRuns); val != 0 {
		t.Errorf("ActiveRuns after complete = %f, want 0", val)
	}
	if val := getCounterValue(RunsCompletedTotal, "completed"); val < 1 {
		t.Errorf("RunsCompletedTotal = %f, want >= 1", val)
	}
	if count := getHistogramVecCount(RunDurationSeconds, "completed"); count < 1 {
		t.Errorf("RunDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordDispatch(t *testing.T) {
	before := getHistogramCount(DispatchConfirmLatencySeconds)

	RecordDispatch("dispatch_confirmed", 3*time.Second)
	if val := getCounterValue(NodeDispatchesTotal, "dispatch_confirmed"); val < 1 {
		t.Errorf("NodeDispatchesTotal = %f, want >= 1", val)
	}
	if after := getHistogramCount(DispatchConfirmLatencySeconds); after != before+1 {
		t.Errorf("DispatchConfirmLatencySeconds count = %d, want %d", after, before+1)
	}

	// Unconfirmed dispatches count but never observe a latency.
	RecordDispatch("dispatch_failed", 0)
	if val := getCounterValue(NodeDispatchesTotal, "dispatch_failed"); val < 1 {
		t.Errorf("NodeDispatchesTotal failed = %f, want >= 1", val)
	}
	if after := getHistogramCount(DispatchConfirmLatencySeconds); after != before+1 {
		t.Errorf("latency observed for unconfirmed dispatch: count = %d", after)
	}
}

func TestRecordNodeComplete(t *testing.T) {
	RecordNodeComplete("task", "succeeded")
	RecordNodeComplete("task", "succeeded")
	RecordNodeComplete("decision", "failed")

	if val := getCounterValue(NodesCompletedTotal, "task", "succeeded"); val < 2 {
		t.Errorf("task succeeded = %f, want >= 2", val)
	}
	if val := getCounterValue(NodesCompletedTotal, "decision", "failed"); val < 1 {
		t.Errorf("decision failed = %f, want >= 1", val)
	}
	// Label isolation.
	if val := getCounterValue(NodesCompletedTotal, "decision", "succeeded"); val != 0 {
		t.Errorf("decision succeeded = %f, want 0", val)
	}
}

func TestRecordOutboxLag(t *testing.T) {
	before := getHistogramCount(OutboxPublishLagSeconds)
	RecordOutboxLag(150 * time.Millisecond)
	RecordOutboxLag(0)

	if after := getHistogramCount(OutboxPublishLagSeconds); after != before+1 {
		t.Errorf("OutboxPublishLagSeconds count = %d, want %d", after, before+1)
	}
}
