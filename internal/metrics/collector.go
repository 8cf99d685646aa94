// Package metrics exposes the dispatcher's and rate controller's runtime
// state as Prometheus metrics. Collector implements dispatcher.MetricsSink:
// every Snapshot pushed by the dispatcher's metrics-export timer updates a
// set of gauges and counters scraped via promhttp.
package metrics

import (
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

const (
	namespace = "ristdispatchd"
	subsystem = "dispatcher"
)

const labelLinkIndex = "link_index"

// Collector holds all dispatcher/rate-controller Prometheus metrics.
//
// Metrics are designed for bonded-link operations monitoring:
//   - LinkWeight tracks the live normalized share of each output link.
//   - SelectedIndex and BuffersProcessed track scheduler throughput.
//   - EncoderBitrate surfaces the rate controller's current target.
//   - The EWMA/AIMD tuning gauges make live reconfiguration observable
//     without scraping the control API.
type Collector struct {
	// LinkWeight is the current normalized weight of each output link,
	// labeled by link_index.
	LinkWeight *prometheus.GaugeVec

	// SelectedIndex is the scheduler's most recently selected link index.
	SelectedIndex prometheus.Gauge

	// SrcPadCount is the number of active output links at snapshot time.
	SrcPadCount prometheus.Gauge

	// BuffersProcessed counts packets dispatched since daemon start.
	BuffersProcessed prometheus.Counter

	// EncoderBitrateKbps is the adjacent encoder's current target bitrate,
	// 0 when no encoder could be located.
	EncoderBitrateKbps prometheus.Gauge

	// EWMARtxPenalty, EWMARttPenalty, AIMDRtxThreshold mirror the tuning
	// constants carried in every Snapshot, so a dashboard can correlate a
	// weight change with a live reconfiguration.
	EWMARtxPenalty   prometheus.Gauge
	EWMARttPenalty   prometheus.Gauge
	AIMDRtxThreshold prometheus.Gauge

	logger               *slog.Logger
	lastBuffersProcessed uint64
}

// NewCollector creates a Collector with all dispatcher metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "ristdispatchd_dispatcher_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer, logger *slog.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics(logger)

	reg.MustRegister(
		c.LinkWeight,
		c.SelectedIndex,
		c.SrcPadCount,
		c.BuffersProcessed,
		c.EncoderBitrateKbps,
		c.EWMARtxPenalty,
		c.EWMARttPenalty,
		c.AIMDRtxThreshold,
	)

	return c
}

func newMetrics(logger *slog.Logger) *Collector {
	return &Collector{
		LinkWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_weight",
			Help:      "Current normalized scheduling weight of each bonded output link.",
		}, []string{labelLinkIndex}),

		SelectedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "selected_link_index",
			Help:      "Index of the output link most recently chosen by the scheduler.",
		}),

		SrcPadCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "output_link_count",
			Help:      "Number of bonded output links currently configured.",
		}),

		BuffersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "buffers_processed_total",
			Help:      "Total packets dispatched to an output link since start.",
		}),

		EncoderBitrateKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "encoder_bitrate_kbps",
			Help:      "Current adjacent encoder target bitrate in kbps, 0 if no encoder is attached.",
		}),

		EWMARtxPenalty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ewma_rtx_penalty",
			Help:      "Configured EWMA strategy retransmission-rate penalty (alpha_rtx).",
		}),

		EWMARttPenalty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ewma_rtt_penalty",
			Help:      "Configured EWMA strategy RTT penalty (alpha_rtt).",
		}),

		AIMDRtxThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "aimd_rtx_threshold",
			Help:      "Configured AIMD strategy retransmission-rate gate.",
		}),

		logger: logger,
	}
}

// Observe implements dispatcher.MetricsSink. It is called once per
// metrics-export tick with the latest Snapshot.
func (c *Collector) Observe(snap dispatcher.Snapshot) {
	var weights []float64
	if err := json.Unmarshal([]byte(snap.CurrentWeights), &weights); err != nil {
		if c.logger != nil {
			c.logger.Warn("metrics: malformed current-weights in snapshot", slog.Any("error", err))
		}
	} else {
		for i, w := range weights {
			c.LinkWeight.WithLabelValues(strconv.Itoa(i)).Set(w)
		}
	}

	c.SelectedIndex.Set(float64(snap.SelectedIndex))
	c.SrcPadCount.Set(float64(snap.SrcPadCount))
	c.EncoderBitrateKbps.Set(float64(snap.EncoderBitrate))
	c.EWMARtxPenalty.Set(snap.EWMARtxPenalty)
	c.EWMARttPenalty.Set(snap.EWMARttPenalty)
	c.AIMDRtxThreshold.Set(snap.AIMDRtxThreshold)

	// BuffersProcessed is monotonic on the Snapshot's producer side
	// (dispatcher.MetricsExporter); the Prometheus counter only tracks the
	// delta observed since the previous tick, since prometheus.Counter has
	// no Set method.
	if snap.BuffersProcessed > c.lastBuffersProcessed {
		c.BuffersProcessed.Add(float64(snap.BuffersProcessed - c.lastBuffersProcessed))
	}
	c.lastBuffersProcessed = snap.BuffersProcessed
}
