package dispatcher

import "math"

// pickIndexDRR implements burst-aware Deficit Round Robin: spec.md §4.3,
// ported directly from the reference scheduler's
// pick_output_index_drr_burst_aware (scheduler/drr.rs). Deficits accrue a
// link-weight- and RTT-scaled quantum; a session keeps serving a short
// burst (min_burst_pkts) before the round-robin pointer is allowed to
// move on, which reduces packet reordering within a GOP without
// sacrificing long-run fairness.
//
// mu must be held by the caller.
func (d *Dispatcher) pickIndexDRR(pktBytes int) (int, bool) {
	n := len(d.links)
	pkt := int64(pktBytes)
	quantum := float64(d.tuning.QuantumBytes)

	const minBurstPkts = 4

	if d.currentBurst > 0 && d.currentBurst < minBurstPkts {
		last := d.burstLastSel
		if last >= 0 && last < n && d.links[last].Linked() && d.drrDeficits[last] >= pkt {
			return d.finishDRRPick(last, pkt)
		}
	}

	minRTT := 50.0
	haveSample := false
	for _, l := range d.links {
		rtt := l.Stats.EWMARTT
		if rtt <= 0 {
			continue
		}
		if !haveSample || rtt < minRTT {
			minRTT = rtt
			haveSample = true
		}
	}
	minRTT = maxFloat(minRTT, 1.0)

	maxRounds := n
	if maxRounds > 3 {
		maxRounds = 3
	}

	for round := 0; round <= maxRounds; round++ {
		for off := 0; off < n; off++ {
			i := (d.drrPointer + off) % n
			if d.links[i].Linked() && d.drrDeficits[i] >= pkt {
				return d.finishDRRPick(i, pkt)
			}
		}
		for i := range d.drrDeficits {
			rttRatio := maxFloat(d.links[i].Stats.EWMARTT/minRTT, 1.0)
			scaledQuantum := maxFloat(quantum*d.weights[i]*math.Pow(rttRatio, 0.8), 256)
			d.drrDeficits[i] += int64(scaledQuantum)
		}
	}

	best := -1
	var bestScore int64
	for i, def := range d.drrDeficits {
		if !d.links[i].Linked() {
			continue
		}
		q := int64(d.weights[i] * quantum)
		score := def + q
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best == -1 {
		best = d.lastSelected
	}
	return d.finishDRRPick(best, pkt)
}

// finishDRRPick debits the chosen link's deficit, advances burst/pointer
// bookkeeping, and reports whether this pick differs from the previous
// DRR selection (used by the keyframe-duplication path the same way SWRR
// uses its switched flag).
func (d *Dispatcher) finishDRRPick(idx int, pkt int64) (int, bool) {
	floor := -4 * d.tuning.QuantumBytes
	d.drrDeficits[idx] -= pkt
	if d.drrDeficits[idx] < floor {
		d.drrDeficits[idx] = floor
	}

	switched := idx != d.burstLastSel
	if switched {
		d.currentBurst = 1
	} else {
		d.currentBurst++
	}
	d.burstLastSel = idx
	d.drrPointer = (idx + 1) % len(d.links)
	d.lastSelected = idx
	return idx, switched
}
