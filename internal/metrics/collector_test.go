package metrics_test

import (
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
	"github.com/rist-bonding/dispatcherd/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg, testLogger())

	if c.LinkWeight == nil {
		t.Error("LinkWeight is nil")
	}
	if c.SelectedIndex == nil {
		t.Error("SelectedIndex is nil")
	}
	if c.SrcPadCount == nil {
		t.Error("SrcPadCount is nil")
	}
	if c.BuffersProcessed == nil {
		t.Error("BuffersProcessed is nil")
	}
	if c.EncoderBitrateKbps == nil {
		t.Error("EncoderBitrateKbps is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	_ = families
}

func TestObserveUpdatesGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg, testLogger())

	c.Observe(dispatcher.Snapshot{
		TimestampMS:      1000,
		CurrentWeights:   `[0.6,0.4]`,
		BuffersProcessed: 10,
		SrcPadCount:      2,
		SelectedIndex:    1,
		EncoderBitrate:   3500,
		EWMARtxPenalty:   0.1,
		EWMARttPenalty:   0.05,
		AIMDRtxThreshold: 0.05,
	})

	if v := gaugeVecValue(t, c.LinkWeight, "0"); v != 0.6 {
		t.Errorf("LinkWeight[0] = %v, want 0.6", v)
	}
	if v := gaugeVecValue(t, c.LinkWeight, "1"); v != 0.4 {
		t.Errorf("LinkWeight[1] = %v, want 0.4", v)
	}
	if v := gaugeValue(t, c.SelectedIndex); v != 1 {
		t.Errorf("SelectedIndex = %v, want 1", v)
	}
	if v := gaugeValue(t, c.SrcPadCount); v != 2 {
		t.Errorf("SrcPadCount = %v, want 2", v)
	}
	if v := gaugeValue(t, c.EncoderBitrateKbps); v != 3500 {
		t.Errorf("EncoderBitrateKbps = %v, want 3500", v)
	}
	if v := counterValue(t, c.BuffersProcessed); v != 10 {
		t.Errorf("BuffersProcessed = %v, want 10", v)
	}

	// A second snapshot advances the counter by the delta, not the total.
	c.Observe(dispatcher.Snapshot{
		CurrentWeights:   `[0.5,0.5]`,
		BuffersProcessed: 25,
	})
	if v := counterValue(t, c.BuffersProcessed); v != 25 {
		t.Errorf("BuffersProcessed after second observe = %v, want 25", v)
	}
}

func TestObserveMalformedWeightsDoesNotPanic(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg, testLogger())

	c.Observe(dispatcher.Snapshot{CurrentWeights: `not json`, SelectedIndex: 0})
	// No assertion beyond "did not panic"; SelectedIndex should still update.
	if v := gaugeValue(t, c.SelectedIndex); v != 0 {
		t.Errorf("SelectedIndex = %v, want 0", v)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeVecValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
