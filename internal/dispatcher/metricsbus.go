package dispatcher

import (
	"encoding/json"
	"sync"
	"time"
)

// Snapshot is the structured metrics record published on the configured
// export cadence: spec.md §4.6/§6, field-for-field matching the reference
// dispatcher's emit_metrics_message (dispatcher/metrics.rs) structure
// "rist-dispatcher-metrics".
type Snapshot struct {
	TimestampMS      int64   `json:"timestamp"`
	CurrentWeights   string  `json:"current-weights"`
	BuffersProcessed uint64  `json:"buffers-processed"`
	SrcPadCount      uint32  `json:"src-pad-count"`
	SelectedIndex    uint32  `json:"selected-index"`
	EncoderBitrate   uint32  `json:"encoder-bitrate"`
	EWMARtxPenalty   float64 `json:"ewma-rtx-penalty"`
	EWMARttPenalty   float64 `json:"ewma-rtt-penalty"`
	AIMDRtxThreshold float64 `json:"aimd-rtx-threshold"`
}

// EncoderBitrateSource reports the adjacent encoder's current bitrate in
// kbps for inclusion in a Snapshot, or (0, false) if no encoder can be
// located — mirrors the reference's best-effort pipeline walk to find an
// element named "dynbitrate".
type EncoderBitrateSource interface {
	EncoderBitrateKbps() (uint32, bool)
}

// MetricsExporter owns the metrics-export-interval-ms timer (spec.md §4.6,
// §5 "Cancellation": zeroing the interval removes the timer; teardown
// drops it). It reads the dispatcher's current state and publishes a
// Snapshot to every attached MetricsSink on each tick.
type MetricsExporter struct {
	mu       sync.Mutex
	d        *Dispatcher
	encoder  EncoderBitrateSource
	interval time.Duration

	buffersProcessed uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMetricsExporter constructs an exporter bound to d. It starts with no
// active timer; call SetInterval with a positive duration to begin
// publishing.
func NewMetricsExporter(d *Dispatcher, encoder EncoderBitrateSource) *MetricsExporter {
	return &MetricsExporter{d: d, encoder: encoder}
}

// IncBuffersProcessed records one more packet as having been dispatched;
// the count is surfaced as BuffersProcessed in the next Snapshot.
func (m *MetricsExporter) IncBuffersProcessed() {
	m.mu.Lock()
	m.buffersProcessed++
	m.mu.Unlock()
}

// SetInterval changes the export cadence. Setting it to 0 stops emission;
// any other value restarts the timer at the new period (spec.md §4.6).
func (m *MetricsExporter) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
		m.stopCh = nil
		m.doneCh = nil
	}

	m.interval = d
	if d <= 0 {
		return
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	m.stopCh, m.doneCh = stopCh, doneCh

	go m.run(d, stopCh, doneCh)
}

func (m *MetricsExporter) run(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case t := <-ticker.C:
			m.publish(t)
		}
	}
}

func (m *MetricsExporter) publish(now time.Time) {
	snap := m.snapshot(now)

	m.d.mu.Lock()
	sink := m.d.metrics
	m.d.mu.Unlock()

	if sink != nil {
		sink.Observe(snap)
	}
}

func (m *MetricsExporter) snapshot(now time.Time) Snapshot {
	m.d.mu.Lock()
	weights := make([]float64, len(m.d.weights))
	copy(weights, m.d.weights)
	selected := m.d.lastSelected
	tuning := m.d.tuning
	m.d.mu.Unlock()

	weightsJSON, _ := json.Marshal(weights)

	var bitrate uint32
	if m.encoder != nil {
		bitrate, _ = m.encoder.EncoderBitrateKbps()
	}

	m.mu.Lock()
	processed := m.buffersProcessed
	m.mu.Unlock()

	var selU32 uint32
	if selected >= 0 {
		selU32 = uint32(selected)
	}

	return Snapshot{
		TimestampMS:      now.UnixMilli(),
		CurrentWeights:   string(weightsJSON),
		BuffersProcessed: processed,
		SrcPadCount:      uint32(len(weights)),
		SelectedIndex:    selU32,
		EncoderBitrate:   bitrate,
		EWMARtxPenalty:   tuning.EWMARtxPenalty,
		EWMARttPenalty:   tuning.EWMARttPenalty,
		AIMDRtxThreshold: tuning.AIMDRtxThreshold,
	}
}

// Stop halts the export timer, if running.
func (m *MetricsExporter) Stop() {
	m.SetInterval(0)
}
