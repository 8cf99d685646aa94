package dispatcher_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

// recordingSender counts the packets pushed through it. It never errors,
// so tests can exercise scheduling decisions without touching a real
// transport.
type recordingSender struct {
	sent int
}

func (s *recordingSender) SendPacket(_ context.Context, payload []byte) error {
	s.sent++
	return nil
}

func (s *recordingSender) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, weights []float64, opts ...dispatcher.DispatcherOption) (*dispatcher.Dispatcher, []*recordingSender) {
	t.Helper()

	configs := make([]dispatcher.LinkConfig, len(weights))
	senders := make([]dispatcher.PacketSender, len(weights))
	rec := make([]*recordingSender, len(weights))
	for i, w := range weights {
		configs[i] = dispatcher.LinkConfig{ID: string(rune('a' + i)), InitialWeight: w}
		s := &recordingSender{}
		rec[i] = s
		senders[i] = s
	}

	d, err := dispatcher.New(testLogger(), configs, senders, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, rec
}

// TestSWRRProportionalSplitTwoWay exercises scenario 1 from spec.md §8:
// two sessions weighted [0.6, 0.4], no hysteresis, 1000 packets.
func TestSWRRProportionalSplitTwoWay(t *testing.T) {
	t.Parallel()

	tuning := dispatcher.DefaultTuning()
	tuning.MinHold = 0
	tuning.AutoBalance = false
	d, rec := newTestDispatcher(t, []float64{0.6, 0.4}, dispatcher.WithTuning(tuning))

	ctx := context.Background()
	for range 1000 {
		if _, err := d.Dispatch(ctx, []byte("x"), 1, false); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	if rec[0].sent < 550 || rec[0].sent > 650 {
		t.Errorf("session 0 got %d packets, want [550,650]", rec[0].sent)
	}
	if rec[1].sent < 350 || rec[1].sent > 450 {
		t.Errorf("session 1 got %d packets, want [350,450]", rec[1].sent)
	}
}

// TestSWRRProportionalSplitThreeWay exercises scenario 2: weights
// [0.5, 0.3, 0.2] over 2000 packets, ratios within ±0.05 of configured.
func TestSWRRProportionalSplitThreeWay(t *testing.T) {
	t.Parallel()

	tuning := dispatcher.DefaultTuning()
	tuning.MinHold = 0
	tuning.AutoBalance = false
	d, rec := newTestDispatcher(t, []float64{0.5, 0.3, 0.2}, dispatcher.WithTuning(tuning))

	ctx := context.Background()
	const total = 2000
	for range total {
		if _, err := d.Dispatch(ctx, []byte("x"), 1, false); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	want := []float64{0.5, 0.3, 0.2}
	for i, s := range rec {
		ratio := float64(s.sent) / float64(total)
		if diff := ratio - want[i]; diff > 0.05 || diff < -0.05 {
			t.Errorf("session %d ratio = %.3f, want within ±0.05 of %.3f", i, ratio, want[i])
		}
	}
}

// TestSWRRZeroWeightStarvation exercises scenario 3: a zero-weight session
// must receive no packets while the others split proportionally.
func TestSWRRZeroWeightStarvation(t *testing.T) {
	t.Parallel()

	tuning := dispatcher.DefaultTuning()
	tuning.MinHold = 0
	tuning.AutoBalance = false
	d, rec := newTestDispatcher(t, []float64{1.0, 0.0, 0.5}, dispatcher.WithTuning(tuning))

	ctx := context.Background()
	for range 1000 {
		if _, err := d.Dispatch(ctx, []byte("x"), 1, false); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	if rec[1].sent != 0 {
		t.Errorf("zero-weight session got %d packets, want 0", rec[1].sent)
	}
	ratio := float64(rec[0].sent) / float64(rec[2].sent)
	if ratio < 1.8 || ratio > 2.2 {
		t.Errorf("session0/session2 ratio = %.2f, want ~2.0 (±0.1 tolerance band -> [1.8,2.2])", ratio)
	}
}

// TestSWRRHysteresisHold exercises scenario 4: a min-hold-ms window must
// keep the current selection even after weights flip sharply in favor of
// the alternative, then release once the hold elapses.
func TestSWRRHysteresisHold(t *testing.T) {
	t.Parallel()

	tuning := dispatcher.DefaultTuning()
	tuning.MinHold = 200 * time.Millisecond
	tuning.AutoBalance = false
	d, _ := newTestDispatcher(t, []float64{0.5, 0.5}, dispatcher.WithTuning(tuning))

	ctx := context.Background()
	first, err := d.Dispatch(ctx, []byte("x"), 1, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if err := d.SetWeights([]float64{0.1, 0.9}); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}

	heldIdx, err := d.Dispatch(ctx, []byte("x"), 1, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if heldIdx != first {
		t.Errorf("selection changed within hold window: got %d, want %d", heldIdx, first)
	}

	time.Sleep(250 * time.Millisecond)

	released, err := d.Dispatch(ctx, []byte("x"), 1, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if released == first {
		t.Errorf("selection did not release after hold elapsed")
	}
}

// TestWeightVectorInvariantAfterRecompute checks the Σw=1±1e-6 invariant
// (spec.md §8) after an EWMA recompute with nontrivial stats.
func TestWeightVectorInvariantAfterRecompute(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, []float64{1, 1, 1})

	now := time.Now()
	counters := []dispatcher.RawCounters{
		{SentOriginal: 100, Delivered: 100, RTT: 20 * time.Millisecond},
		{SentOriginal: 50, Delivered: 50, RTT: 40 * time.Millisecond},
		{SentOriginal: 10, SentRetransmitted: 5, Delivered: 10, RTT: 100 * time.Millisecond},
	}
	if err := d.IngestStats(now, counters); err != nil {
		t.Fatalf("IngestStats: %v", err)
	}
	d.Rebalance(now.Add(200 * time.Millisecond))

	var sum float64
	for _, l := range d.Links() {
		sum += l.Weight
		if l.Weight < 0 {
			t.Errorf("link %d has negative weight %v", l.Index, l.Weight)
		}
	}
	if diff := sum - 1.0; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("weight sum = %v, want 1±1e-6", sum)
	}
}

// TestSetWeightsEmptyIsNoop checks the §8 boundary behavior: an empty
// weight vector input leaves state unchanged.
func TestSetWeightsEmptyIsNoop(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, []float64{0.6, 0.4})
	before := d.CurrentWeightsJSON()

	if err := d.SetWeights(nil); err != nil {
		t.Fatalf("SetWeights(nil): %v", err)
	}

	if after := d.CurrentWeightsJSON(); after != before {
		t.Errorf("weights changed after empty SetWeights: before=%s after=%s", before, after)
	}
}

// TestReleaseCurrentSessionClampsIndex exercises the §8 boundary behavior:
// releasing the currently-selected session clamps idx into range.
func TestReleaseCurrentSessionClampsIndex(t *testing.T) {
	t.Parallel()

	tuning := dispatcher.DefaultTuning()
	tuning.MinHold = 0
	tuning.AutoBalance = false
	d, _ := newTestDispatcher(t, []float64{0.0, 0.0, 1.0}, dispatcher.WithTuning(tuning))

	ctx := context.Background()
	idx, err := d.Dispatch(ctx, []byte("x"), 1, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if idx != 2 {
		t.Fatalf("expected session 2 selected, got %d", idx)
	}

	if err := d.RemoveLink(2); err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}

	if _, err := d.Dispatch(ctx, []byte("x"), 1, false); err != nil {
		t.Fatalf("Dispatch after removal: %v", err)
	}
}
