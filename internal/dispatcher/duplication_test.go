package dispatcher_test

import (
	"context"
	"testing"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

// TestKeyframeDuplicationBudget checks the §4.3/§4.7 one-second rolling
// duplication budget: no more than dup-budget-pps keyframes may be
// duplicated to a backup link within any one-second window.
func TestKeyframeDuplicationBudget(t *testing.T) {
	t.Parallel()

	tuning := dispatcher.DefaultTuning()
	tuning.MinHold = 0
	tuning.AutoBalance = false
	tuning.DuplicateKeyframe = true
	tuning.DupBudgetPPS = 3
	tuning.HealthWarmup = 0
	d, rec := newTestDispatcher(t, []float64{0.5, 0.5}, dispatcher.WithTuning(tuning))

	ctx := context.Background()
	for range 10 {
		if _, err := d.Dispatch(ctx, []byte("x"), 1, true); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	total := rec[0].sent + rec[1].sent
	// 10 primary sends plus at most DupBudgetPPS duplicate sends within the
	// first second this test runs in.
	if total > 10+tuning.DupBudgetPPS {
		t.Errorf("total sent = %d, want <= %d (10 primary + budget cap)", total, 10+tuning.DupBudgetPPS)
	}
	if total < 10 {
		t.Errorf("total sent = %d, want >= 10 (every primary dispatch succeeds)", total)
	}
}
