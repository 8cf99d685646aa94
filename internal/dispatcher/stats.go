package dispatcher

import (
	"strconv"
	"time"
)

// Update applies one stats-ingest tick to s given raw cumulative counters
// sampled at now. Deltas below a 100ms floor are skipped (matches the
// teacher's delta_time > 0.1 guard) so a rebalance tick shorter than the
// stats source's own reporting granularity never divides by a near-zero
// interval.
func (s *LinkStats) Update(now time.Time, raw RawCounters) {
	if s.prevTimestamp.IsZero() {
		s.prevTimestamp = now
		s.prevSentOriginal = raw.SentOriginal
		s.prevSentRetransmitted = raw.SentRetransmitted
		s.prevDelivered = raw.Delivered
		return
	}

	deltaTime := now.Sub(s.prevTimestamp).Seconds()
	if deltaTime <= 0.1 {
		return
	}

	deltaOriginal := satSub(raw.SentOriginal, s.prevSentOriginal)
	deltaRetrans := satSub(raw.SentRetransmitted, s.prevSentRetransmitted)
	deltaDelivered := satSub(raw.Delivered, s.prevDelivered)

	goodput := float64(deltaOriginal) / deltaTime
	var rtxRate float64
	if deltaOriginal > 0 {
		rtxRate = float64(deltaRetrans) / float64(deltaOriginal+deltaRetrans)
	}
	deliveredPPS := float64(deltaDelivered) / deltaTime
	rttMS := float64(raw.RTT.Microseconds()) / 1000.0

	alpha := s.Alpha
	if alpha <= 0 {
		alpha = 0.25
	}

	s.EWMAGoodput = alpha*goodput + (1-alpha)*s.EWMAGoodput
	s.EWMARtxRate = alpha*rtxRate + (1-alpha)*s.EWMARtxRate
	s.EWMARTT = alpha*rttMS + (1-alpha)*s.EWMARTT
	s.EWMADeliveredPPS = alpha*deliveredPPS + (1-alpha)*s.EWMADeliveredPPS

	s.prevSentOriginal = raw.SentOriginal
	s.prevSentRetransmitted = raw.SentRetransmitted
	s.prevDelivered = raw.Delivered
	s.prevTimestamp = now
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// ParseLegacyCounters extracts RawCounters for linkCount links from a flat
// key/value stats map using the "session-N.<field>" naming a transport may
// report instead of a structured per-session array. Missing per-session
// keys fall back to the unprefixed aggregate key, matching the flat-key
// fallback in the reference dispatcher's stats ingest.
func ParseLegacyCounters(flat map[string]any, linkCount int) []RawCounters {
	out := make([]RawCounters, linkCount)
	for i := range out {
		prefix := "session-" + strconv.Itoa(i) + "."
		out[i] = RawCounters{
			SentOriginal:      legacyUint(flat, prefix+"sent-original-packets", "sent-original-packets"),
			SentRetransmitted: legacyUint(flat, prefix+"sent-retransmitted-packets", "sent-retransmitted-packets"),
			Delivered:         legacyUint(flat, prefix+"rr-packets-received", "rr-packets-received"),
			RTT:               legacyRTT(flat, prefix+"round-trip-time", "round-trip-time"),
		}
	}
	return out
}

func legacyUint(flat map[string]any, key, fallback string) uint64 {
	if v, ok := flat[key]; ok {
		return toUint64(v)
	}
	if v, ok := flat[fallback]; ok {
		return toUint64(v)
	}
	return 0
}

func legacyRTT(flat map[string]any, key, fallback string) time.Duration {
	const defaultRTTMS = 50.0
	v, ok := flat[key]
	if !ok {
		v, ok = flat[fallback]
	}
	if !ok {
		return time.Duration(defaultRTTMS * float64(time.Millisecond))
	}
	// Integer values are nanoseconds and float values are milliseconds;
	// a missing or non-positive value falls back to defaultRTTMS.
	var ms float64
	switch v.(type) {
	case int64, int, uint64:
		ms = toFloat64(v) / float64(time.Millisecond)
	default:
		ms = toFloat64(v)
	}
	if ms <= 0 {
		ms = defaultRTTMS
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
