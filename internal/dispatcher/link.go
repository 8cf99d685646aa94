package dispatcher

import (
	"context"
	"sync/atomic"
	"time"
)

// PacketSender transmits a packet payload out a single bonded link. One
// implementation lives per OutputLink; internal/transport provides the
// UDP/interface-bound implementation used by the daemon.
type PacketSender interface {
	SendPacket(ctx context.Context, payload []byte) error
	Close() error
}

// LinkConfig describes one bonded output link at creation time.
type LinkConfig struct {
	// ID is a stable, caller-assigned identifier (e.g. "primary", "lte0").
	ID string
	// Interface is the egress network interface, used for SO_BINDTODEVICE
	// by internal/transport senders. Empty means unbound.
	Interface string
	// InitialWeight seeds the link's share before the first rebalance.
	InitialWeight float64
}

// OutputLink is one bonded RIST egress. It mirrors the gobfd Session's
// shape: atomic fields for lock-free external reads of hot counters,
// with the dispatcher's single mutex guarding weight/scheduler state
// that must be read-modify-written consistently across all links.
type OutputLink struct {
	ID     string
	Index  int
	Sender PacketSender

	Stats LinkStats

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
	linked      atomic.Bool

	healthStart time.Time // zero until the link first becomes eligible
}

// NewOutputLink constructs a link in the linked (eligible) state, with its
// health-warmup window starting at now (spec.md §4.7 session lifecycle).
func NewOutputLink(index int, cfg LinkConfig, sender PacketSender, alpha float64, now time.Time) *OutputLink {
	l := &OutputLink{
		ID:          cfg.ID,
		Index:       index,
		Sender:      sender,
		Stats:       NewLinkStats(alpha),
		healthStart: now,
	}
	l.linked.Store(true)
	return l
}

// Send transmits payload and updates the link's raw counters. Errors are
// returned to the caller but do not mark the link unlinked — that is a
// transport-layer decision surfaced via SetLinked.
func (l *OutputLink) Send(ctx context.Context, payload []byte) error {
	if err := l.Sender.SendPacket(ctx, payload); err != nil {
		return err
	}
	l.packetsSent.Add(1)
	l.bytesSent.Add(uint64(len(payload)))
	return nil
}

// PacketsSent returns the cumulative packet count, safe for concurrent read.
func (l *OutputLink) PacketsSent() uint64 { return l.packetsSent.Load() }

// BytesSent returns the cumulative byte count, safe for concurrent read.
func (l *OutputLink) BytesSent() uint64 { return l.bytesSent.Load() }

// Linked reports whether the link is currently eligible for scheduling.
func (l *OutputLink) Linked() bool { return l.linked.Load() }

// SetLinked marks the link eligible or ineligible for scheduling. An
// ineligible link is skipped by both schedulers and excluded from
// keyframe duplication candidates.
func (l *OutputLink) SetLinked(v bool) { l.linked.Store(v) }

// HealthDuration returns how long the link has been continuously linked,
// used by the SWRR scheduler's health-warmup penalty and the duplication
// path's backup-link eligibility check. A zero healthStart (never linked)
// reports zero.
func (l *OutputLink) HealthDuration(now time.Time) time.Duration {
	if l.healthStart.IsZero() {
		return 0
	}
	return now.Sub(l.healthStart)
}

// markHealthStart records now as the start of the link's healthy period
// when it has just gone from unlinked (wasLinked false) to linked, and
// clears it while the link is unlinked, so a flapping link's warmup timer
// restarts on each reconnect. SetLinked calls it on every state update.
func (l *OutputLink) markHealthStart(now time.Time, wasLinked bool) {
	if !wasLinked && l.linked.Load() {
		l.healthStart = now
	}
	if !l.linked.Load() {
		l.healthStart = time.Time{}
	}
}
