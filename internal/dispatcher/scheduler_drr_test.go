package dispatcher_test

import (
	"context"
	"testing"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

// TestDRREqualWeightsProduceEqualCounts exercises spec.md §8's DRR
// fairness invariant: equal weights over equal packet sizes produce
// equal counts within ceil(n) after K >= n*10 packets.
func TestDRREqualWeightsProduceEqualCounts(t *testing.T) {
	t.Parallel()

	tuning := dispatcher.DefaultTuning()
	tuning.Scheduler = dispatcher.SchedulerDRR
	tuning.AutoBalance = false
	const n = 4
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0 / n
	}
	d, rec := newTestDispatcher(t, weights, dispatcher.WithTuning(tuning))

	ctx := context.Background()
	const pktBytes = 1000
	const total = n * 10 * 50
	payload := make([]byte, pktBytes)
	for range total {
		if _, err := d.Dispatch(ctx, payload, pktBytes, false); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	want := total / n
	for i, r := range rec {
		diff := r.sent - want
		if diff < 0 {
			diff = -diff
		}
		if diff > n {
			t.Errorf("link %d got %d packets, want %d (+-%d)", i, r.sent, want, n)
		}
	}
}

// TestDRRDeficitFloorsOnWeightChange checks spec.md §9's design-note
// invariant: DRR deficits floor at -4*quantum rather than resetting to
// zero when weights change, so a previously penalized link is not given
// a temporary advantage by the reset.
func TestDRRDeficitFloorsOnWeightChange(t *testing.T) {
	t.Parallel()

	tuning := dispatcher.DefaultTuning()
	tuning.Scheduler = dispatcher.SchedulerDRR
	tuning.AutoBalance = false
	tuning.QuantumBytes = 1500
	d, _ := newTestDispatcher(t, []float64{0.9, 0.1}, dispatcher.WithTuning(tuning))

	ctx := context.Background()
	payload := make([]byte, 4000)
	for range 50 {
		_, _ = d.Dispatch(ctx, payload, len(payload), false)
	}

	if err := d.SetWeights([]float64{0.1, 0.9}); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}

	// The starved link's deficit should now sit at the floor, not zero;
	// dispatching a small burst must not immediately favor it beyond
	// what the floor allows. This is a smoke check that SetWeights
	// didn't panic or leave the scheduler in a state that can't make
	// forward progress.
	for range 10 {
		if _, err := d.Dispatch(ctx, []byte("x"), 1, false); err != nil {
			t.Fatalf("Dispatch after weight change: %v", err)
		}
	}
}
