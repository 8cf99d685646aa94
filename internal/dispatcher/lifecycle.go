package dispatcher

import (
	"fmt"
	"time"
)

// AddLink appends a new output link at runtime (spec.md §3 weight vector
// "on session add, extend with 1.0 then renormalize on next recompute";
// §4.7 session lifecycle). The new link's index is len(d.links) before
// the append. Its SWRR counter starts at zero and its DRR deficit starts
// at one quantum, matching the reference's Created-state fields.
//
// Callers that need sticky-context replay for the new output should call
// ReplaySticky before routing any packet to it; AddLink itself does not
// push cached events anywhere, since it has no reference to the new
// output's transport.
func (d *Dispatcher) AddLink(cfg LinkConfig, sender PacketSender) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	for _, l := range d.links {
		if l.ID == cfg.ID {
			return 0, fmt.Errorf("dispatcher: id %q: %w", cfg.ID, ErrDuplicateLinkID)
		}
	}

	now := time.Now()
	idx := len(d.links)
	link := NewOutputLink(idx, cfg, sender, defaultEWMAAlpha, now)

	d.links = append(d.links, link)
	d.weights = append(d.weights, 1.0)
	d.swrrCounters = append(d.swrrCounters, 0)
	d.drrDeficits = append(d.drrDeficits, d.tuning.QuantumBytes)

	d.publish(LinkEvent{LinkIndex: idx, LinkID: cfg.ID, Kind: LinkEventLinked, At: now})
	return idx, nil
}

// RemoveLink releases an output link, dropping its entry from every
// per-link vector and renormalizing weights (spec.md §3, §5 "releasing an
// output pops its index from the weight/counter/deficit/health vectors
// atomically"). If the removed link held the active scheduler selection,
// the selection clamps to the last valid index, or 0 if no links remain
// (spec.md §8 boundary behavior).
func (d *Dispatcher) RemoveLink(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.links) {
		return ErrLinkNotFound
	}

	id := d.links[index].ID
	_ = d.links[index].Sender.Close()

	d.links = removeAt(d.links, index)
	d.weights = removeAtFloat(d.weights, index)
	d.swrrCounters = removeAtFloat(d.swrrCounters, index)
	d.drrDeficits = removeAtInt64(d.drrDeficits, index)

	for i, l := range d.links {
		l.Index = i
	}

	if len(d.weights) > 0 {
		normalize(d.weights)
	}

	switch {
	case len(d.links) == 0:
		d.lastSelected = 0
		d.burstLastSel = -1
		d.drrPointer = 0
	default:
		if d.lastSelected >= len(d.links) {
			d.lastSelected = len(d.links) - 1
		}
		if d.burstLastSel >= len(d.links) {
			d.burstLastSel = -1
			d.currentBurst = 0
		}
		if d.drrPointer >= len(d.links) {
			d.drrPointer = 0
		}
	}

	d.publish(LinkEvent{LinkIndex: index, LinkID: id, Kind: LinkEventUnlinked, At: time.Now()})
	return nil
}

func removeAt(s []*OutputLink, i int) []*OutputLink {
	out := make([]*OutputLink, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func removeAtFloat(s []float64, i int) []float64 {
	out := make([]float64, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func removeAtInt64(s []int64, i int) []int64 {
	out := make([]int64, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}
