package dispatcher

import "time"

// canDuplicate reports whether the keyframe-duplication budget has
// capacity this second, consuming one unit if so: spec.md §4.3/§4.7,
// ported from the reference dispatcher's can_duplicate_keyframe
// (dispatcher/duplication.rs). The window resets whenever wall-clock
// distance from the last reset exceeds one second, rather than on a
// fixed calendar-second boundary.
//
// mu must be held by the caller.
func (d *Dispatcher) canDuplicate(now time.Time) bool {
	if d.dupBudgetResetTime.IsZero() || now.Sub(d.dupBudgetResetTime) >= time.Second {
		d.dupBudgetUsed = 0
		d.dupBudgetResetTime = now
	}
	if d.dupBudgetUsed < d.tuning.DupBudgetPPS {
		d.dupBudgetUsed++
		return true
	}
	return false
}

// pickBackupIndex selects the best healthy, linked backup session for
// keyframe duplication on a switch: the candidate (other than the
// primary pick) with the largest SWRR counter among links whose
// health-warmup window has elapsed. Ported from
// duplicate_keyframe_to_backup (dispatcher/duplication.rs); DRR debiting
// on successful duplication is applied by the caller (Dispatch), since
// only it knows whether the duplicate send actually succeeded.
//
// mu must be held by the caller.
func (d *Dispatcher) pickBackupIndex(primary int, now time.Time) (int, bool) {
	best := -1
	bestCounter := negInf

	for i, l := range d.links {
		if i == primary || !l.Linked() {
			continue
		}
		if d.tuning.HealthWarmup > 0 && l.HealthDuration(now) < d.tuning.HealthWarmup {
			continue
		}
		if best == -1 || d.swrrCounters[i] > bestCounter {
			best = i
			bestCounter = d.swrrCounters[i]
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

const negInf = -1e300
