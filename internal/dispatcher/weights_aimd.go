package dispatcher

// calculateAIMDWeights implements the AIMD weight strategy: spec.md §6.2,
// grounded on the reference dispatcher's strategy/aimd.rs. Per link: if
// ewma_rtx_rate is below the configured threshold and ewma_rtt is below
// 200ms, additively increase the weight by 0.1 (capped at 2.0); otherwise
// multiplicatively decrease it by half (floored at 0.05). The result is
// normalized to sum 1.
//
// mu must be held by the caller.
func (d *Dispatcher) calculateAIMDWeights() bool {
	const (
		rttThreshold           = 200.0
		additiveIncrease       = 0.1
		multiplicativeDecrease = 0.5
		weightCeiling          = 2.0
		weightFloor            = 0.05
	)

	rtxThreshold := d.tuning.AIMDRtxThreshold
	newWeights := make([]float64, len(d.weights))
	copy(newWeights, d.weights)

	for i, l := range d.links {
		if i >= len(newWeights) {
			break
		}
		current := newWeights[i]
		if l.Stats.EWMARtxRate < rtxThreshold && l.Stats.EWMARTT < rttThreshold {
			newWeights[i] = minFloat(current+additiveIncrease, weightCeiling)
		} else {
			newWeights[i] = maxFloat(current*multiplicativeDecrease, weightFloor)
		}
	}

	normalize(newWeights)

	changed := false
	for i, old := range d.weights {
		if absFloat(old-newWeights[i]) >= 0.01 {
			changed = true
			break
		}
	}

	if changed {
		d.weights = newWeights
		for i := range d.swrrCounters {
			d.swrrCounters[i] = 0
		}
		floor := -4 * d.tuning.QuantumBytes
		for i := range d.drrDeficits {
			if d.drrDeficits[i] < floor {
				d.drrDeficits[i] = floor
			}
		}
	}

	return changed
}
