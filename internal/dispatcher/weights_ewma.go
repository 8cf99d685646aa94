package dispatcher

import "time"

// calculateEWMAWeights implements the EWMA weight strategy: spec.md §6.2,
// grounded on the reference dispatcher's strategy/ewma.rs.
//
// Per link: cap_est = delivered / last_share (last_share floored at
// probe_ratio/n so a starved link can still recover), gp = sqrt(max(cap_est, 1)),
// q_rtx and q_rtt are multiplicative penalties for retransmission rate and
// RTT. Weights are normalized, then capped at max-link-share by an
// iterative proportional-redistribution loop, then probe-rotated (boosts
// one link per probe-period-ms), then mixed with an exploration floor
// that widens to max(probe_ratio, 0.12) during the first 5 seconds after
// startup. A change below 0.01 on every component is not committed, to
// avoid needless SWRR counter resets.
//
// mu must be held by the caller.
func (d *Dispatcher) calculateEWMAWeights(now time.Time) bool {
	n := len(d.weights)
	newWeights := make([]float64, n)

	baseEPS := d.tuning.ProbeRatio
	if baseEPS < 1e-9 {
		baseEPS = 1e-9
	}
	shareFloor := baseEPS / float64(n)

	var total float64
	for i, l := range d.links {
		lastShare := d.weights[i]
		if lastShare < shareFloor {
			lastShare = shareFloor
		}

		delivered := l.Stats.EWMADeliveredPPS
		if delivered <= 0 {
			delivered = l.Stats.EWMAGoodput
		}

		capEst := delivered / lastShare
		gp := sqrtFloor1(capEst)

		alpha := d.tuning.EWMARtxPenalty
		beta := d.tuning.EWMARttPenalty
		qRtx := 1.0 / (1.0 + alpha*l.Stats.EWMARtxRate)
		qRtt := 1.0 / (1.0 + beta*maxFloat(l.Stats.EWMARTT/50.0, 0.1))

		w := gp * qRtx * qRtt
		if w < 1e-6 {
			w = 1e-6
		}
		newWeights[i] = w
		total += w
	}

	if total <= 0 {
		return false
	}
	for i := range newWeights {
		newWeights[i] /= total
	}

	capShare := d.tuning.MaxLinkShare
	if capShare < 1.0 {
		applyMaxShareCap(newWeights, capShare)
	}

	if d.tuning.ProbeBoost > 0 && n > 0 {
		if d.tuning.ProbePeriod <= 0 || now.Sub(d.lastProbe) >= d.tuning.ProbePeriod {
			d.probeIdx = (d.probeIdx + 1) % n
			d.lastProbe = now
		}
		idx := d.probeIdx
		if idx >= n {
			idx = n - 1
		}
		newWeights[idx] *= 1.0 + d.tuning.ProbeBoost
		var sum float64
		for _, w := range newWeights {
			sum += w
		}
		if sum > 0 {
			for i := range newWeights {
				newWeights[i] /= sum
			}
		}
	}

	elapsed := now.Sub(d.startedAt).Seconds()
	eps := baseEPS
	if elapsed < 5.0 && eps < 0.12 {
		eps = 0.12
	}
	if n > 0 && eps > 0 {
		for i := range newWeights {
			newWeights[i] = (1-eps)*newWeights[i] + eps/float64(n)
		}
	}

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

// applyMaxShareCap redistributes any share above cap across the
// uncapped links proportionally, iterating until no link newly exceeds
// the cap or the remaining mass to distribute is negligible. Bounded at
// n+1 iterations, matching the reference implementation.
func applyMaxShareCap(weights []float64, cap float64) {
	n := len(weights)
	capped := make([]bool, n)
	remaining := 1.0

	for iter := 0; iter <= n; iter++ {
		var underSum float64
		for i, w := range weights {
			if !capped[i] {
				underSum += w
			}
		}
		if underSum <= 0 {
			uncapped := 0
			for _, c := range capped {
				if !c {
					uncapped++
				}
			}
			if uncapped > 0 {
				fill := remaining / float64(uncapped)
				for i := range weights {
					if !capped[i] {
						weights[i] = minFloat(fill, cap)
					}
				}
			}
			return
		}

		scale := remaining / underSum
		anyNewCap := false
		for i := range weights {
			if capped[i] {
				continue
			}
			proposed := weights[i] * scale
			if proposed > cap {
				weights[i] = cap
				capped[i] = true
				anyNewCap = true
			} else {
				weights[i] = proposed
			}
		}

		var sum float64
		for _, w := range weights {
			sum += w
		}
		newRemaining := 1.0 - sum
		if !anyNewCap || absFloat(newRemaining) < 1e-9 {
			return
		}
		remaining = maxFloat(newRemaining, 0)
	}
}

func sqrtFloor1(v float64) float64 {
	if v < 1.0 {
		v = 1.0
	}
	return sqrt(v)
}
