package dispatcher

// EventKind classifies an inbound stream-control event for the
// sticky-context replay contract: spec.md §4.4, grounded on the reference
// dispatcher's handle_sink_event (dispatcher/element.rs) and pads.rs.
type EventKind int

const (
	// EventOther is any event not otherwise classified; it is passed
	// through to every current output without touching the sticky cache.
	EventOther EventKind = iota
	// EventStreamStart replaces the cached stream-start value and clears
	// the rest of the sticky cache (a new stream invalidates caps,
	// segment and all accumulated tags).
	EventStreamStart
	// EventCaps replaces the cached caps value.
	EventCaps
	// EventSegment replaces the cached segment value.
	EventSegment
	// EventTag appends to the cached, ordered tag sequence.
	EventTag
	// EventEOS, EventFlushStart, EventFlushStop and EventReconfigure fan
	// out to every current output but are never cached.
	EventEOS
	EventFlushStart
	EventFlushStop
	EventReconfigure
)

// StickyEvent is one classified inbound control event carrying an opaque
// payload the caller defines (e.g. a serialized GStreamer-style event, or
// a small struct of codec parameters); the dispatcher never inspects the
// payload, only the Kind.
type StickyEvent struct {
	Kind    EventKind
	Payload any
}

// StickyCache holds the at-most-one cached stream-start/caps/segment
// events and the ordered tag sequence a late-joining output must observe
// before it carries packets. A positive capacity bounds the tag sequence,
// dropping the oldest tag when it is full (the dispatcher uses
// defaultStickyCapacity); capacity 0 means unbounded.
type StickyCache struct {
	capacity int

	streamStart *StickyEvent
	caps        *StickyEvent
	segment     *StickyEvent
	tags        []StickyEvent
}

// NewStickyCache returns an empty cache. capacity bounds the tag
// sequence; 0 means unbounded.
func NewStickyCache(capacity int) *StickyCache {
	return &StickyCache{capacity: capacity}
}

// Observe classifies ev and, for the sticky kinds, updates the cache.
// Returns whether the event is one that fans out to current outputs (true
// for every kind except EventOther, which is left to the caller's default
// pass-through policy).
func (c *StickyCache) Observe(ev StickyEvent) (fanOut bool) {
	switch ev.Kind {
	case EventStreamStart:
		c.streamStart = &ev
		c.caps = nil
		c.segment = nil
		c.tags = nil
		return true
	case EventCaps:
		c.caps = &ev
		return true
	case EventSegment:
		c.segment = &ev
		return true
	case EventTag:
		if c.capacity > 0 && len(c.tags) >= c.capacity {
			c.tags = c.tags[1:]
		}
		c.tags = append(c.tags, ev)
		return true
	case EventEOS, EventFlushStart, EventFlushStop, EventReconfigure:
		return true
	default:
		return false
	}
}

// Replay returns the cached events in the canonical order a newly added
// output must observe before any packet: stream-start, caps, segment,
// then every cached tag in insertion order. Missing singletons are
// omitted rather than replayed as zero values.
func (c *StickyCache) Replay() []StickyEvent {
	out := make([]StickyEvent, 0, 3+len(c.tags))
	if c.streamStart != nil {
		out = append(out, *c.streamStart)
	}
	if c.caps != nil {
		out = append(out, *c.caps)
	}
	if c.segment != nil {
		out = append(out, *c.segment)
	}
	out = append(out, c.tags...)
	return out
}

// OutputReplayer sends a replayed sticky event to one newly added output.
// internal/transport's senders do not implement this directly; the
// packet-thread caller (e.g. a dispatcher.AddLink wrapper in the owning
// application) supplies one per output alongside its PacketSender.
type OutputReplayer interface {
	ReplayEvent(ev StickyEvent) error
}

// HandleEvent classifies and applies an inbound sticky event: it updates
// the cache under the dispatcher's mutex, then fans the event out to
// every output in outputs. Ordering guarantee (spec.md §5): the
// mutex is held for the whole fan-out, so no packet can be scheduled to
// an output between the cache update and that output observing the
// event.
func (d *Dispatcher) HandleEvent(ev StickyEvent, outputs []OutputReplayer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.sticky.Observe(ev) {
		return nil
	}
	for _, o := range outputs {
		if err := o.ReplayEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// ReplaySticky returns the replay sequence a just-added output must
// observe (stream-start, caps, segment, every cached tag) before it is
// activated for ordinary packets.
func (d *Dispatcher) ReplaySticky() []StickyEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sticky.Replay()
}
