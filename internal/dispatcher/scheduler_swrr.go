package dispatcher

import "time"

// pickIndexSWRR implements Smooth Weighted Round Robin with hysteresis:
// spec.md §4.3, grounded on the reference dispatcher's main pick-output
// loop (src/dispatcher.rs). Each linked session's counter accrues a
// health-warmup-adjusted weight every call; the running argmax is the
// SWRR pick, but min-hold-ms and switch-threshold gate whether the
// dispatcher actually moves off the currently selected link.
//
// mu must be held by the caller.
func (d *Dispatcher) pickIndexSWRR() (int, bool) {
	n := len(d.weights)
	now := time.Now()

	adjusted := make([]float64, n)
	var total float64
	for i, l := range d.links {
		w := d.weights[i]
		if !l.Linked() {
			adjusted[i] = 0
			continue
		}
		warmup := d.tuning.HealthWarmup
		healthFactor := 1.0
		if warmup > 0 {
			elapsed := l.HealthDuration(now)
			frac := minFloat(float64(elapsed)/float64(warmup), 1.0)
			healthFactor = 1 - 0.5*(1-frac)
		}
		w *= healthFactor
		adjusted[i] = w
		total += w
	}

	for i := range adjusted {
		d.swrrCounters[i] += adjusted[i]
	}

	best := d.argmaxLinked(d.swrrCounters)
	if best < 0 {
		best = d.lastSelected
	}

	idx := d.lastSelected
	if idx < 0 || idx >= n || !d.links[idx].Linked() {
		idx = best
	}

	minHold := d.tuning.MinHold
	if d.haveSwitched && minHold > 0 && now.Sub(d.lastSwitchTime) < minHold {
		d.swrrCounters[idx] -= total
		d.lastSelected = idx
		return idx, false
	}

	var selected int
	switch {
	case minHold == 0:
		selected = best
	case absFloat(adjusted[best]-adjusted[idx]) < 0.01:
		selected = best
	default:
		denom := maxFloat(adjusted[idx], 1e-9)
		if adjusted[best]/denom >= d.tuning.SwitchThreshold {
			selected = best
		} else {
			selected = idx
		}
	}

	d.swrrCounters[selected] -= total

	switched := selected != idx
	if switched || !d.haveSwitched {
		d.lastSwitchTime = now
		d.haveSwitched = true
	}
	d.lastSelected = selected
	return selected, switched
}

// argmaxLinked returns the index of the largest value among linked
// sessions, or -1 if none are linked.
func (d *Dispatcher) argmaxLinked(values []float64) int {
	best := -1
	var bestVal float64
	for i, l := range d.links {
		if !l.Linked() {
			continue
		}
		if best == -1 || values[i] > bestVal {
			best = i
			bestVal = values[i]
		}
	}
	return best
}
