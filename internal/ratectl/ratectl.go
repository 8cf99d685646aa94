// Package ratectl implements the dynamic bitrate rate controller that runs
// adjacent to internal/dispatcher: a periodic tick reads aggregate loss and
// RTT from the bonded RIST sessions and nudges an encoder's bitrate toward
// a target loss percentage, optionally pushing derived per-session weights
// into an attached dispatcher so the two control loops share one view of
// link quality instead of fighting over it.
package ratectl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

// EncoderControl abstracts the encoder whose bitrate this controller
// drives. Implementations translate kbps to whatever units the underlying
// encoder element expects (see BitratePropertyCandidates).
type EncoderControl interface {
	SetBitrateKbps(ctx context.Context, kbps uint32) error
	BitrateKbps(ctx context.Context) (uint32, error)
}

// KeyframeRequester forces an immediate keyframe through the encoder, used
// by maybeForceKeyframe on a significant downscale.
type KeyframeRequester interface {
	ForceKeyframe(ctx context.Context) error
}

// LinkStatsSource reports the current per-session raw counters for every
// bonded output. ok is false when no stats are available yet, which drives
// the no-stats oscillation fallback (simpleAdjust).
type LinkStatsSource interface {
	Sessions(ctx context.Context) (counters []dispatcher.RawCounters, ok bool)
}

// DispatcherControl is the subset of *dispatcher.Dispatcher this package
// needs, kept as an interface so tests can supply a fake rather than
// standing up a full Dispatcher.
type DispatcherControl interface {
	SetAutoBalance(bool)
	SetWeights(weights []float64) error
}

// Controller owns the tick loop coordinating encoder bitrate with bonded
// RIST link quality. The zero value is not usable; construct with New.
type Controller struct {
	mu     sync.Mutex
	logger *slog.Logger
	cfg    Config

	encoder  EncoderControl
	keyframe KeyframeRequester
	stats    LinkStatsSource
	disp     DispatcherControl

	lastChange time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Controller. keyframe may be nil, in which case
// downscale-triggered keyframe forcing is skipped.
func New(logger *slog.Logger, cfg Config, encoder EncoderControl, stats LinkStatsSource, keyframe KeyframeRequester) *Controller {
	return &Controller{
		logger:   logger.With(slog.String("component", "ratectl")),
		cfg:      cfg,
		encoder:  encoder,
		keyframe: keyframe,
		stats:    stats,
	}
}

// Attach binds a dispatcher to receive derived weights on every tick and
// disables its auto-balance loop, matching dynbitrate.rs's coordination
// behavior: two independent control loops fighting over weights produces
// worse outcomes than either alone.
func (c *Controller) Attach(d DispatcherControl) {
	c.mu.Lock()
	c.disp = d
	c.mu.Unlock()
	d.SetAutoBalance(false)
}

// Detach releases the bound dispatcher. It does not restore auto-balance;
// the caller decides whether that is appropriate for its shutdown path.
func (c *Controller) Detach() {
	c.mu.Lock()
	c.disp = nil
	c.mu.Unlock()
}

// Start begins the tick loop in a background goroutine. Stop (or ctx
// cancellation) ends it.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	interval := c.cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	c.stopCh, c.doneCh = stopCh, doneCh
	c.mu.Unlock()

	go c.run(ctx, interval, stopCh, doneCh)
}

// Stop halts the tick loop and waits for it to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	stopCh, doneCh := c.stopCh, c.doneCh
	c.stopCh, c.doneCh = nil, nil
	c.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (c *Controller) run(ctx context.Context, interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick mirrors dynbitrate.rs's tick(): pull the current stats snapshot,
// derive dispatcher weights and adjust encoder bitrate from it, or fall
// back to the demo oscillation if no stats are available at all.
func (c *Controller) tick(ctx context.Context) {
	if c.encoder == nil {
		return
	}

	counters, ok := c.stats.Sessions(ctx)
	if !ok || len(counters) == 0 {
		c.simpleAdjust(ctx)
		return
	}

	c.updateDispatcherWeights(counters)
	c.updateBitrateFromStats(ctx, counters)
}

// updateDispatcherWeights computes a simple per-session weight from raw
// counters (same inverse-rtx/rtt formula dynbitrate.rs uses, distinct from
// and deliberately simpler than internal/dispatcher's own EWMA strategy:
// the rate controller's view is a coordination nudge, not the primary
// weight engine) and pushes it into the attached dispatcher, if any.
func (c *Controller) updateDispatcherWeights(counters []dispatcher.RawCounters) {
	c.mu.Lock()
	disp := c.disp
	c.mu.Unlock()

	if disp == nil || len(counters) < 2 {
		return
	}

	weights := make([]float64, len(counters))
	var total float64
	for i, rc := range counters {
		totalSent := rc.SentOriginal + rc.SentRetransmitted
		var rtxRate float64
		if totalSent > 0 {
			rtxRate = float64(rc.SentRetransmitted) / float64(totalSent)
		}
		rttMS := float64(rc.RTT.Milliseconds())
		if rttMS <= 0 {
			rttMS = 50
		}

		w := 1.0 / (1.0 + 0.1*rtxRate)
		w /= 1.0 + 0.01*(rttMS/100.0)
		if w < 0.05 {
			w = 0.05
		}
		weights[i] = w
		total += w
	}

	if total <= 0 {
		return
	}
	for i := range weights {
		weights[i] /= total
	}

	if err := disp.SetWeights(weights); err != nil {
		c.logger.Warn("failed to push rate-controller weights to dispatcher", slog.Any("error", err))
	}
}

// updateBitrateFromStats mirrors dynbitrate.rs's update_bitrate_from_stats:
// aggregate loss rate across sessions, the minimum reported RTT (the most
// conservative estimate of path quality), a ±0.1 percentage-point deadband
// around target-loss-pct, and a 1200ms rate limit between adjustments.
func (c *Controller) updateBitrateFromStats(ctx context.Context, counters []dispatcher.RawCounters) {
	var totalOriginal, totalRetrans uint64
	minRTTMS := -1.0
	for _, rc := range counters {
		totalOriginal += rc.SentOriginal
		totalRetrans += rc.SentRetransmitted
		rttMS := float64(rc.RTT.Milliseconds())
		if rttMS > 0 && (minRTTMS < 0 || rttMS < minRTTMS) {
			minRTTMS = rttMS
		}
	}
	if totalOriginal == 0 {
		return
	}
	if minRTTMS < 0 {
		minRTTMS = 50.0
	}

	totalSent := totalOriginal + totalRetrans
	lossRate := float64(totalRetrans) / float64(totalSent)

	if !c.rateLimitElapsed() {
		return
	}

	current, err := c.encoder.BitrateKbps(ctx)
	if err != nil {
		c.logger.Warn("failed to read encoder bitrate", slog.Any("error", err))
		return
	}

	targetLoss := c.cfg.TargetLossPct / 100.0
	rttThreshold := float64(c.cfg.RTTFloorMS)
	const lossDeadband = 0.001

	newKbps := current
	switch {
	case lossRate > targetLoss+lossDeadband || minRTTMS > rttThreshold:
		newKbps = saturatingSub(current, c.cfg.StepKbps, c.cfg.MinKbps)
	case lossRate < targetLoss-lossDeadband && minRTTMS < rttThreshold*0.8:
		newKbps = saturatingAdd(current, c.cfg.StepKbps, c.cfg.MaxKbps)
	}

	if newKbps == current {
		return
	}
	c.applyBitrate(ctx, current, newKbps)
}

// simpleAdjust is the no-stats demo fallback (dynbitrate.rs's
// simple_bitrate_adjustment): oscillate between min and max so the control
// loop stays observable in a bench setting with no real RIST stats.
func (c *Controller) simpleAdjust(ctx context.Context) {
	if !c.rateLimitElapsed() {
		return
	}
	current, err := c.encoder.BitrateKbps(ctx)
	if err != nil {
		c.logger.Warn("failed to read encoder bitrate", slog.Any("error", err))
		return
	}

	var newKbps uint32
	switch {
	case current >= c.cfg.MaxKbps:
		newKbps = saturatingSub(current, c.cfg.StepKbps, c.cfg.MinKbps)
	case current <= c.cfg.MinKbps:
		newKbps = saturatingAdd(current, c.cfg.StepKbps, c.cfg.MaxKbps)
	default:
		return
	}
	if newKbps == current {
		return
	}
	c.applyBitrate(ctx, current, newKbps)
}

func (c *Controller) applyBitrate(ctx context.Context, current, newKbps uint32) {
	if err := c.encoder.SetBitrateKbps(ctx, newKbps); err != nil {
		c.logger.Warn("failed to set encoder bitrate", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	c.lastChange = time.Now()
	c.mu.Unlock()

	c.maybeForceKeyframe(ctx, current, newKbps)
}

// maybeForceKeyframe requests a keyframe when the previous bitrate is at
// least 1.5 times the new one, matching dynbitrate.rs's downscale-keyunit
// behavior.
func (c *Controller) maybeForceKeyframe(ctx context.Context, current, newKbps uint32) {
	if !c.cfg.DownscaleKeyunit || c.keyframe == nil || newKbps >= current || newKbps == 0 {
		return
	}
	ratio := float64(current) / float64(newKbps)
	if ratio < 1.5 {
		return
	}
	if err := c.keyframe.ForceKeyframe(ctx); err != nil {
		c.logger.Warn("failed to force keyframe on downscale", slog.Any("error", err))
	}
}

func (c *Controller) rateLimitElapsed() bool {
	c.mu.Lock()
	last := c.lastChange
	c.mu.Unlock()

	limit := c.cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return last.IsZero() || time.Since(last) >= limit
}

func saturatingSub(v, step, floor uint32) uint32 {
	if v <= step {
		return floor
	}
	r := v - step
	if r < floor {
		return floor
	}
	return r
}

func saturatingAdd(v, step, ceil uint32) uint32 {
	r := v + step
	if r > ceil {
		return ceil
	}
	return r
}

// NoStatsSource is a LinkStatsSource that never reports any sessions. It
// is the correct choice when no real RIST session transport stats feed is
// wired up (that transport is an external collaborator per spec, not
// implemented here): Controller.run falls back to simpleAdjust, the
// documented demo/bench oscillation behavior, instead of silently stalling.
type NoStatsSource struct{}

// Sessions implements LinkStatsSource, always reporting no data available.
func (NoStatsSource) Sessions(context.Context) ([]dispatcher.RawCounters, bool) {
	return nil, false
}
