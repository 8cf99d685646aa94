package controlapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

// ErrUnknownProperty is returned by applyProperty for any property name
// outside spec.md §6's table.
var ErrUnknownProperty = errors.New("controlapi: unknown config property")

// applyProperty decodes raw against the named spec.md §6 property and
// writes it into t. Duration-valued properties are accepted as plain
// numbers of milliseconds, matching the wire shape used elsewhere in this
// daemon's config and metrics payloads. Every numeric property is clamped
// into its spec.md §6 range, mirroring internal/config's clampTuning/
// clamp01 — this live setter is the primary way that table is exercised
// at runtime, so an out-of-range value must not reach the scheduler or
// weight engine unclamped.
func applyProperty(t *dispatcher.Tuning, name string, raw json.RawMessage) error {
	switch name {
	case "rebalance-interval-ms":
		return setDurationMS(&t.RebalanceInterval, raw, 100, 10000)
	case "strategy":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("controlapi: decode strategy: %w", err)
		}
		strategy, err := dispatcher.ParseStrategy(s)
		if err != nil {
			return err
		}
		t.Strategy = strategy
	case "scheduler":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("controlapi: decode scheduler: %w", err)
		}
		scheduler, err := dispatcher.ParseScheduler(s)
		if err != nil {
			return err
		}
		t.Scheduler = scheduler
	case "quantum-bytes":
		return setInt64(&t.QuantumBytes, raw, 256, 16384)
	case "min-hold-ms":
		return setDurationMS(&t.MinHold, raw, 0, 10000)
	case "switch-threshold":
		return setFloat64(&t.SwitchThreshold, raw, 1.0, 10.0)
	case "health-warmup-ms":
		return setDurationMS(&t.HealthWarmup, raw, 0, 30000)
	case "duplicate-keyframes":
		return setBool(&t.DuplicateKeyframe, raw)
	case "dup-budget-pps":
		return setInt(&t.DupBudgetPPS, raw, 0, 100)
	case "auto-balance":
		return setBool(&t.AutoBalance, raw)
	case "metrics-export-interval-ms":
		return setDurationMS(&t.MetricsInterval, raw, 0, 60000)
	case "ewma-rtx-penalty":
		return setFloat64(&t.EWMARtxPenalty, raw, 0, 10)
	case "ewma-rtt-penalty":
		return setFloat64(&t.EWMARttPenalty, raw, 0, 10)
	case "aimd-rtx-threshold":
		return setFloat64(&t.AIMDRtxThreshold, raw, 0, 1)
	case "probe-ratio":
		return setFloat64(&t.ProbeRatio, raw, 0, 0.5)
	case "max-link-share":
		return setFloat64(&t.MaxLinkShare, raw, 0.5, 1.0)
	case "probe-boost":
		return setFloat64(&t.ProbeBoost, raw, 0, 1)
	case "probe-period-ms":
		return setDurationMS(&t.ProbePeriod, raw, 200, 10000)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProperty, name)
	}
	return nil
}

func setDurationMS(dst *time.Duration, raw json.RawMessage, minMS, maxMS int64) error {
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return fmt.Errorf("controlapi: decode duration-ms property: %w", err)
	}
	*dst = time.Duration(clampInt64(ms, minMS, maxMS)) * time.Millisecond
	return nil
}

func setFloat64(dst *float64, raw json.RawMessage, min, max float64) error {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("controlapi: decode float property: %w", err)
	}
	*dst = clampFloat64(v, min, max)
	return nil
}

func setInt64(dst *int64, raw json.RawMessage, min, max int64) error {
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("controlapi: decode integer property: %w", err)
	}
	*dst = clampInt64(v, min, max)
	return nil
}

func setInt(dst *int, raw json.RawMessage, min, max int) error {
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("controlapi: decode integer property: %w", err)
	}
	*dst = clampInt(v, min, max)
	return nil
}

func setBool(dst *bool, raw json.RawMessage) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("controlapi: decode boolean property: %w", err)
	}
	return nil
}

func clampFloat64(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt64(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
