package dispatcher

import (
	"fmt"
	"time"
)

// Strategy selects the weight-engine algorithm used to derive per-link
// traffic shares from ingested statistics.
type Strategy int

const (
	// StrategyEWMA derives weights from EWMA-smoothed goodput, capped by
	// max-link-share, with exploration-floor mixing and probe rotation.
	StrategyEWMA Strategy = iota
	// StrategyAIMD derives weights using additive-increase /
	// multiplicative-decrease on retransmission rate and RTT thresholds.
	StrategyAIMD
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case StrategyEWMA:
		return "ewma"
	case StrategyAIMD:
		return "aimd"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "ewma", "":
		return StrategyEWMA, nil
	case "aimd":
		return StrategyAIMD, nil
	default:
		return 0, fmt.Errorf("parse strategy %q: %w", s, ErrInvalidStrategy)
	}
}

// Scheduler selects the packet-scheduling algorithm used to pick the
// output link for each outgoing packet.
type Scheduler int

const (
	// SchedulerSWRR is Smooth Weighted Round Robin with min-hold hysteresis
	// and health-warmup weight penalties.
	SchedulerSWRR Scheduler = iota
	// SchedulerDRR is burst-aware Deficit Round Robin with an RTT-scaled
	// quantum.
	SchedulerDRR
)

// String implements fmt.Stringer.
func (s Scheduler) String() string {
	switch s {
	case SchedulerSWRR:
		return "swrr"
	case SchedulerDRR:
		return "drr"
	default:
		return "unknown"
	}
}

// ParseScheduler parses a configuration string into a Scheduler.
func ParseScheduler(s string) (Scheduler, error) {
	switch s {
	case "swrr", "":
		return SchedulerSWRR, nil
	case "drr":
		return SchedulerDRR, nil
	default:
		return 0, fmt.Errorf("parse scheduler %q: %w", s, ErrInvalidScheduler)
	}
}

// LinkStats holds EWMA-smoothed per-link statistics derived from raw
// counters reported by the transport. All EWMA fields use the same alpha
// (spec default 0.25) and are updated once per stats-ingest tick.
type LinkStats struct {
	Alpha float64

	EWMAGoodput      float64 // packets/sec of original (non-retransmitted) sends
	EWMARtxRate      float64 // fraction of sends that were retransmissions
	EWMARTT          float64 // smoothed round-trip time, milliseconds
	EWMADeliveredPPS float64 // packets/sec acknowledged by the receiver

	prevSentOriginal      uint64
	prevSentRetransmitted uint64
	prevDelivered         uint64
	prevTimestamp         time.Time
}

// NewLinkStats returns LinkStats with the given smoothing factor.
func NewLinkStats(alpha float64) LinkStats {
	return LinkStats{Alpha: alpha}
}

// RawCounters is one stats-ingest sample for a single output link, as
// reported by the underlying transport (e.g. a RIST sender statistics
// structure). Counters are cumulative since link creation.
type RawCounters struct {
	SentOriginal      uint64
	SentRetransmitted uint64
	Delivered         uint64 // receiver-acknowledged packet count
	RTT               time.Duration
}

// Tuning holds every spec.md §6 property knob as live, hot-reloadable
// configuration. Reads and writes go through Dispatcher's mutex; Tuning
// itself holds no synchronization.
type Tuning struct {
	RebalanceInterval time.Duration
	Strategy          Strategy
	Scheduler         Scheduler
	QuantumBytes      int64
	MinHold           time.Duration
	SwitchThreshold   float64
	HealthWarmup      time.Duration
	DuplicateKeyframe bool
	DupBudgetPPS      int
	AutoBalance       bool
	MetricsInterval   time.Duration

	EWMARtxPenalty float64
	EWMARttPenalty float64

	AIMDRtxThreshold float64

	ProbeRatio    float64
	MaxLinkShare  float64
	ProbeBoost    float64
	ProbePeriod   time.Duration
}

// DefaultTuning returns the spec.md default property values.
func DefaultTuning() Tuning {
	return Tuning{
		RebalanceInterval: 500 * time.Millisecond,
		Strategy:          StrategyEWMA,
		Scheduler:         SchedulerSWRR,
		QuantumBytes:      1500,
		MinHold:           500 * time.Millisecond,
		SwitchThreshold:   1.2,
		HealthWarmup:      2 * time.Second,
		DuplicateKeyframe: false,
		DupBudgetPPS:      5,
		AutoBalance:       true,
		MetricsInterval:   0,
		EWMARtxPenalty:    0.10,
		EWMARttPenalty:    0.05,
		AIMDRtxThreshold:  0.05,
		ProbeRatio:        0.08,
		MaxLinkShare:      0.70,
		ProbeBoost:        0.12,
		ProbePeriod:       800 * time.Millisecond,
	}
}
