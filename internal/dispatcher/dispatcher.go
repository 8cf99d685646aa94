package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// LinkEvent is emitted on the Dispatcher's notification channel whenever a
// link's eligibility changes or the active scheduler selection switches.
// Mirrors the decoupled channel-consumer pattern gobfd uses for FSM state
// changes: consumers (metrics, control API) never block packet dispatch.
type LinkEvent struct {
	LinkIndex int
	LinkID    string
	Kind      LinkEventKind
	At        time.Time
}

// LinkEventKind distinguishes the category of a LinkEvent.
type LinkEventKind int

const (
	// LinkEventLinked indicates a link transitioned from ineligible to eligible.
	LinkEventLinked LinkEventKind = iota
	// LinkEventUnlinked indicates a link transitioned from eligible to ineligible.
	LinkEventUnlinked
	// LinkEventSelected indicates the scheduler switched its active pick to this link.
	LinkEventSelected
)

// LinkSnapshot is a consistent, lock-held copy of one link's externally
// visible state, returned by Dispatcher.Links.
type LinkSnapshot struct {
	Index       int
	ID          string
	Linked      bool
	Weight      float64
	PacketsSent uint64
	BytesSent   uint64
	EWMAGoodput float64
	EWMARtxRate float64
	EWMARTT     float64
}

// Dispatcher owns the bonded output links and the single mutex guarding
// their weight and scheduler state, the same shape as gobfd's Manager
// guarding its session table: a packet-path goroutine calls Dispatch
// while a timer goroutine calls Rebalance, both serialized by mu.
type Dispatcher struct {
	mu     sync.Mutex
	logger *slog.Logger

	links   []*OutputLink
	tuning  Tuning
	metrics MetricsSink

	weights      []float64
	swrrCounters []float64
	drrDeficits  []int64

	probeIdx  int
	lastProbe time.Time
	startedAt time.Time

	lastSelected   int
	lastSwitchTime time.Time
	haveSwitched   bool
	currentBurst   int
	burstLastSel   int
	drrPointer     int

	dupBudgetUsed      int
	dupBudgetResetTime time.Time

	sticky *StickyCache

	notifyCh         chan LinkEvent
	weightsChangedCh chan string

	closed bool
}

// MetricsSink receives a Snapshot on every metrics-export tick. Both
// internal/metrics's Prometheus collector and the control API's cached
// "last snapshot" endpoint implement it.
type MetricsSink interface {
	Observe(Snapshot)
}

// DispatcherOption configures optional Dispatcher parameters, following
// the functional-options pattern used throughout the reference daemon.
type DispatcherOption func(*Dispatcher)

// WithMetricsSink attaches a MetricsSink that receives a Snapshot on every
// metrics-export tick.
func WithMetricsSink(sink MetricsSink) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = sink }
}

// WithTuning overrides the default Tuning.
func WithTuning(t Tuning) DispatcherOption {
	return func(d *Dispatcher) { d.tuning = t }
}

// WithStickyCapacity bounds the sticky-context replay cache's per-kind
// accumulation (see sticky.go). Zero means use the package default.
func WithStickyCapacity(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sticky = NewStickyCache(n)
		}
	}
}

// New creates a Dispatcher over the given link configurations and
// senders. Links are indexed in the order given; that index is the
// stable identity used by the scheduler and weight engine.
func New(logger *slog.Logger, configs []LinkConfig, senders []PacketSender, opts ...DispatcherOption) (*Dispatcher, error) {
	if len(configs) == 0 {
		return nil, ErrNoLinks
	}
	if len(configs) != len(senders) {
		return nil, fmt.Errorf("dispatcher: %d link configs but %d senders", len(configs), len(senders))
	}

	seen := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("dispatcher: id %q: %w", c.ID, ErrDuplicateLinkID)
		}
		seen[c.ID] = struct{}{}
	}

	now := time.Now()
	d := &Dispatcher{
		logger:             logger.With(slog.String("component", "dispatcher")),
		tuning:             DefaultTuning(),
		sticky:             NewStickyCache(defaultStickyCapacity),
		notifyCh:           make(chan LinkEvent, 64),
		weightsChangedCh:   make(chan string, 16),
		startedAt:          now,
		lastProbe:          now,
		dupBudgetResetTime: now,
		lastSelected:       0,
		burstLastSel:       -1,
	}

	for _, opt := range opts {
		opt(d)
	}

	n := len(configs)
	d.links = make([]*OutputLink, n)
	d.weights = make([]float64, n)
	d.swrrCounters = make([]float64, n)
	d.drrDeficits = make([]int64, n)

	equalShare := 1.0 / float64(n)
	for i, c := range configs {
		d.links[i] = NewOutputLink(i, c, senders[i], defaultEWMAAlpha, now)
		w := c.InitialWeight
		if w <= 0 {
			w = equalShare
		}
		d.weights[i] = w
	}
	normalize(d.weights)

	return d, nil
}

const defaultEWMAAlpha = 0.25
const defaultStickyCapacity = 64

// StateChanges returns the channel on which link eligibility and
// scheduler-selection events are published. The channel has bounded
// capacity; slow consumers drop events rather than stalling dispatch —
// a warning is logged on drop.
func (d *Dispatcher) StateChanges() <-chan LinkEvent { return d.notifyCh }

// WeightsChanged returns the channel on which the current-weights JSON
// string (spec.md §6 "weights-changed(json_string)") is published
// whenever any weight component moves by at least 0.01, whether from
// auto-balance recomputation or an explicit SetWeights call. Like
// StateChanges, a slow consumer drops events rather than stalling the
// weight-engine goroutine.
func (d *Dispatcher) WeightsChanged() <-chan string { return d.weightsChangedCh }

func (d *Dispatcher) publishWeightsChanged() {
	weightsJSON, err := json.Marshal(d.weights)
	if err != nil {
		return
	}
	select {
	case d.weightsChangedCh <- string(weightsJSON):
	default:
		d.logger.Warn("dropped weights-changed event, consumer too slow")
	}
}

func (d *Dispatcher) publish(ev LinkEvent) {
	select {
	case d.notifyCh <- ev:
	default:
		d.logger.Warn("dropped link event, consumer too slow",
			slog.Int("link_index", ev.LinkIndex), slog.Int("kind", int(ev.Kind)))
	}
}

// Close releases resources held by the dispatcher's output links.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	close(d.notifyCh)
	close(d.weightsChangedCh)

	var firstErr error
	for _, l := range d.links {
		if err := l.Sender.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close link %s: %w", l.ID, err)
		}
	}
	return firstErr
}

// Links returns a consistent snapshot of every output link.
func (d *Dispatcher) Links() []LinkSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]LinkSnapshot, len(d.links))
	for i, l := range d.links {
		out[i] = LinkSnapshot{
			Index:       i,
			ID:          l.ID,
			Linked:      l.Linked(),
			Weight:      d.weights[i],
			PacketsSent: l.PacketsSent(),
			BytesSent:   l.BytesSent(),
			EWMAGoodput: l.Stats.EWMAGoodput,
			EWMARtxRate: l.Stats.EWMARtxRate,
			EWMARTT:     l.Stats.EWMARTT,
		}
	}
	return out
}

// SetLinked marks a link eligible or ineligible for scheduling, emitting
// a LinkEvent on transition. Call this from the transport layer when a
// link's underlying connectivity changes.
func (d *Dispatcher) SetLinked(index int, linked bool) error {
	d.mu.Lock()
	if index < 0 || index >= len(d.links) {
		d.mu.Unlock()
		return ErrLinkNotFound
	}
	l := d.links[index]
	was := l.Linked()
	l.SetLinked(linked)
	l.markHealthStart(time.Now(), was)
	d.mu.Unlock()

	if was != linked {
		kind := LinkEventUnlinked
		if linked {
			kind = LinkEventLinked
		}
		d.publish(LinkEvent{LinkIndex: index, LinkID: l.ID, Kind: kind, At: time.Now()})
	}
	return nil
}

// SetWeights applies explicit weights (spec.md §6 "weights" property).
// An empty slice leaves state unchanged (§8 boundary behavior). A length
// mismatch is rejected, keeping the previous vector, matching the "keep
// previous" policy for malformed input (§7). Non-finite or negative
// components are individually replaced with 1.0 rather than rejecting the
// whole vector.
//
// Per §8's round-trip note, the raw (possibly non-normalized) vector is
// stored as given — normalization happens only on the next auto-balance
// recompute, not immediately here. SWRR counters reset and DRR deficits
// floor at −4·quantum, same as a strategy-driven commit.
func (d *Dispatcher) SetWeights(weights []float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(weights) == 0 {
		return nil
	}
	if len(weights) != len(d.weights) {
		return ErrWeightCountMismatch
	}

	cp := make([]float64, len(weights))
	for i, w := range weights {
		if !isFinite(w) || w < 0 {
			w = 1.0
		}
		cp[i] = w
	}
	d.weights = cp

	for i := range d.swrrCounters {
		d.swrrCounters[i] = 0
	}
	floor := -4 * d.tuning.QuantumBytes
	for i := range d.drrDeficits {
		if d.drrDeficits[i] < floor {
			d.drrDeficits[i] = floor
		}
	}

	d.publishWeightsChanged()
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SetAutoBalance toggles whether Rebalance recomputes weights from the
// configured strategy. internal/ratectl disables this when it attaches,
// to avoid two independent control loops fighting over weights.
func (d *Dispatcher) SetAutoBalance(v bool) {
	d.mu.Lock()
	d.tuning.AutoBalance = v
	d.mu.Unlock()
}

// CurrentWeightsJSON returns the live weight vector JSON-encoded, for the
// read-only "current-weights" introspection property (spec.md §6).
func (d *Dispatcher) CurrentWeightsJSON() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := json.Marshal(d.weights)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Tuning returns a copy of the current tuning knobs.
func (d *Dispatcher) Tuning() Tuning {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tuning
}

// SetTuning replaces the tuning knobs wholesale. Callers that only want
// to change one knob should read Tuning, mutate the copy, and call this.
func (d *Dispatcher) SetTuning(t Tuning) {
	d.mu.Lock()
	d.tuning = t
	d.mu.Unlock()
}

func normalize(w []float64) {
	var total float64
	for _, v := range w {
		total += v
	}
	if total <= 0 {
		eq := 1.0 / float64(len(w))
		for i := range w {
			w[i] = eq
		}
		return
	}
	for i := range w {
		w[i] /= total
	}
}

// IngestStats feeds one round of raw per-link counters into the stats
// engine. Call once per rebalance tick before Rebalance.
func (d *Dispatcher) IngestStats(now time.Time, counters []RawCounters) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(counters) != len(d.links) {
		return ErrWeightCountMismatch
	}
	for i, l := range d.links {
		l.Stats.Update(now, counters[i])
	}
	return nil
}

// Rebalance recomputes link weights from the configured strategy if
// auto-balance is enabled, then resets any scheduler bookkeeping the
// strategy invalidated. Returns whether weights changed.
func (d *Dispatcher) Rebalance(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.tuning.AutoBalance {
		return false
	}

	var changed bool
	switch d.tuning.Strategy {
	case StrategyAIMD:
		changed = d.calculateAIMDWeights()
	default:
		changed = d.calculateEWMAWeights(now)
	}
	if changed {
		d.publishWeightsChanged()
	}
	return changed
}

// Dispatch selects an output link for one outgoing packet and sends it.
// isKeyframe drives the optional duplication-to-backup-link path.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, pktBytes int, isKeyframe bool) (int, error) {
	d.mu.Lock()

	if len(d.links) == 0 {
		d.mu.Unlock()
		return 0, ErrNotLinked
	}

	idx, switched := d.pickIndex(pktBytes)
	if !d.links[idx].Linked() {
		idx = d.firstLinkedFrom(idx)
	}
	if idx < 0 {
		d.mu.Unlock()
		return 0, ErrNotLinked
	}
	link := d.links[idx]

	if switched {
		d.publish(LinkEvent{LinkIndex: idx, LinkID: link.ID, Kind: LinkEventSelected, At: time.Now()})
	}

	var dupCandidate *OutputLink
	var dupIdx int
	if switched && isKeyframe && d.tuning.DuplicateKeyframe && d.canDuplicate(time.Now()) {
		if bi, ok := d.pickBackupIndex(idx, time.Now()); ok {
			dupCandidate = d.links[bi]
			dupIdx = bi
		}
	}
	d.mu.Unlock()

	if err := link.Send(ctx, payload); err != nil {
		// Fallback: rotate through the remaining sessions and forward to
		// the first linked one (spec.md §4.3, §7). If none is linked,
		// surface not-linked upstream as back-pressure.
		d.mu.Lock()
		next := d.firstLinkedFrom((idx + 1) % len(d.links))
		d.mu.Unlock()
		if next < 0 {
			return idx, fmt.Errorf("dispatch to link %d (%s): %w: %w", idx, link.ID, ErrNotLinked, err)
		}
		nextLink := d.links[next]
		if sendErr := nextLink.Send(ctx, payload); sendErr != nil {
			return next, fmt.Errorf("dispatch fallback to link %d (%s): %w", next, nextLink.ID, sendErr)
		}
		return next, nil
	}

	if dupCandidate != nil {
		if err := dupCandidate.Send(ctx, payload); err == nil {
			d.mu.Lock()
			if d.tuning.Scheduler == SchedulerDRR && dupIdx < len(d.drrDeficits) {
				floor := -4 * d.tuning.QuantumBytes
				d.drrDeficits[dupIdx] -= int64(len(payload))
				if d.drrDeficits[dupIdx] < floor {
					d.drrDeficits[dupIdx] = floor
				}
			}
			d.mu.Unlock()
		}
	}

	return idx, nil
}

// firstLinkedFrom scans links in rotation starting at from and returns the
// first linked index, or -1 if none is linked. mu must be held by the
// caller.
func (d *Dispatcher) firstLinkedFrom(from int) int {
	n := len(d.links)
	for off := 0; off < n; off++ {
		i := (from + off) % n
		if d.links[i].Linked() {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) pickIndex(pktBytes int) (int, bool) {
	switch d.tuning.Scheduler {
	case SchedulerDRR:
		return d.pickIndexDRR(pktBytes)
	default:
		return d.pickIndexSWRR()
	}
}
