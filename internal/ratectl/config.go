package ratectl

import "time"

// DefaultTickInterval is the rate controller's poll cadence, deliberately
// offset from internal/dispatcher's default rebalance-interval-ms (500ms)
// so the two timers don't phase-lock against each other.
const DefaultTickInterval = 750 * time.Millisecond

// DefaultRateLimit is the minimum spacing between successive bitrate
// changes.
const DefaultRateLimit = 1200 * time.Millisecond

// Config holds the rate controller's tuning knobs, mirroring dynbitrate.rs's
// GObject properties.
type Config struct {
	// MinKbps and MaxKbps bound the encoder bitrate this controller will set.
	MinKbps uint32
	MaxKbps uint32
	// StepKbps is the adjustment size per tick.
	StepKbps uint32
	// TargetLossPct is the retransmission-rate target, as a percentage
	// (0.5 means 0.5%), not a fraction.
	TargetLossPct float64
	// RTTFloorMS is the minimum-RTT threshold above which bitrate is
	// decreased regardless of loss.
	RTTFloorMS uint64
	// DownscaleKeyunit forces a keyframe through the encoder when the
	// previous bitrate is at least 1.5 times the new one.
	DownscaleKeyunit bool
	// TickInterval overrides DefaultTickInterval when nonzero.
	TickInterval time.Duration
	// RateLimit overrides DefaultRateLimit when nonzero.
	RateLimit time.Duration
}

// DefaultConfig returns dynbitrate.rs's property defaults.
func DefaultConfig() Config {
	return Config{
		MinKbps:          500,
		MaxKbps:          8000,
		StepKbps:         250,
		TargetLossPct:    0.5,
		RTTFloorMS:       40,
		DownscaleKeyunit: false,
		TickInterval:     DefaultTickInterval,
		RateLimit:        DefaultRateLimit,
	}
}
