package risk

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/orders"
)

const eps = 1e-9

func newGuard(t *testing.T, baseline, pct float64) *StopLossGuard {
	t.Helper()
	g, err := NewStopLossGuard(baseline, pct)
	if err != nil {
		t.Fatalf("NewStopLossGuard failed: %v", err)
	}
	return g
}

// ============================================================================
// STOP LOSS GUARD
// ============================================================================

func TestNewStopLossGuardValidation(t *testing.T) {
	tests := []struct {
		name     string
		baseline float64
		pct      float64
	}{
		{"zero percent", 1000, 0},
		{"hundred percent", 1000, 100},
		{"negative percent", 1000, -5},
		{"nan percent", 1000, math.NaN()},
		{"zero baseline", 0, 5},
		{"negative baseline", -10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStopLossGuard(tt.baseline, tt.pct)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestFloorExample(t *testing.T) {
	g := newGuard(t, 1000, 5)

	if math.Abs(g.Floor()-950) > eps {
		t.Fatalf("Expected floor 950, got %v", g.Floor())
	}

	if g.UpdateBalance(950) {
		t.Error("Expected balance exactly at floor to keep operating")
	}
	if !g.CanOperate() {
		t.Error("Expected CanOperate at 950")
	}

	if !g.UpdateBalance(949.99) {
		t.Error("Expected 949.99 to trip the guard")
	}
	if g.CanOperate() {
		t.Error("Expected CanOperate false after trip")
	}

	// monotonic
	g.UpdateBalance(5000)
	if g.CanOperate() {
		t.Error("Expected guard to stay tripped after balance recovery")
	}
}

func TestGuardIgnoresNonFiniteBalance(t *testing.T) {
	g := newGuard(t, 1000, 5)
	g.UpdateBalance(math.NaN())
	g.UpdateBalance(math.Inf(-1))
	if !g.CanOperate() || g.Current() != 1000 {
		t.Errorf("Expected non-finite balances ignored, current=%v", g.Current())
	}
}

func TestOnTripFiresOnce(t *testing.T) {
	g := newGuard(t, 100, 10)

	calls := 0
	var got StopLossSnapshot
	g.OnTrip(func(s StopLossSnapshot) {
		calls++
		got = s
	})

	g.UpdateBalance(95)
	g.UpdateBalance(80)
	g.UpdateBalance(70)

	if calls != 1 {
		t.Fatalf("Expected 1 trip callback, got %d", calls)
	}
	if !got.Triggered || got.Current != 80 || got.TriggeredAt.IsZero() {
		t.Errorf("Unexpected snapshot %+v", got)
	}
	if math.Abs(got.LossPercent-20) > eps {
		t.Errorf("Expected loss percent 20, got %v", got.LossPercent)
	}
}

func TestCalculateSafeEntry(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		mode    EntryMode
		value   float64
		want    float64
	}{
		// floor is 950 for every case
		{"percent within headroom", 1000, EntryPercent, 1, 10},
		{"fixed within headroom", 1000, EntryFixed, 25, 25},
		{"fixed capped by headroom", 1000, EntryFixed, 100, 40},
		{"near floor", 955, EntryFixed, 10, 4},
		{"at floor", 950, EntryFixed, 10, 0},
		{"zero value", 1000, EntryFixed, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGuard(t, 1000, 5)
			g.UpdateBalance(tt.current)
			got := g.CalculateSafeEntry(tt.mode, tt.value)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSafeEntryNeverBreachesFloor(t *testing.T) {
	for _, balance := range []float64{1000, 990, 975.5, 960, 951, 950.01} {
		for _, value := range []float64{1, 5, 50, 500} {
			for _, mode := range []EntryMode{EntryPercent, EntryFixed} {
				g := newGuard(t, 1000, 5)
				g.UpdateBalance(balance)
				entry := g.CalculateSafeEntry(mode, value)
				if entry < 0 {
					t.Fatalf("Negative entry %v", entry)
				}
				if balance-entry < g.Floor()-eps {
					t.Errorf("balance %v mode %s value %v: entry %v would breach floor", balance, mode, value, entry)
				}
			}
		}
	}
}

func TestSafeEntryZeroWhenTripped(t *testing.T) {
	g := newGuard(t, 1000, 5)
	g.UpdateBalance(900)
	g.UpdateBalance(1000)
	if got := g.CalculateSafeEntry(EntryFixed, 10); got != 0 {
		t.Errorf("Expected 0 after trip, got %v", got)
	}
}

func TestCanOperateWithFreshBalance(t *testing.T) {
	g := newGuard(t, 1000, 5)

	ok, bal, err := g.CanOperateWithFreshBalance(context.Background(), func(context.Context) (float64, error) {
		return 990, nil
	})
	if !ok || err != nil || bal != 990 {
		t.Errorf("Expected ok at 990, got ok=%v bal=%v err=%v", ok, bal, err)
	}

	fetchErr := errors.New("connection reset")
	ok, _, err = g.CanOperateWithFreshBalance(context.Background(), func(context.Context) (float64, error) {
		return 0, fetchErr
	})
	if ok || !errors.Is(err, fetchErr) {
		t.Errorf("Expected fetch failure to block, got ok=%v err=%v", ok, err)
	}
	if !g.CanOperate() {
		t.Error("Expected fetch failure to leave the guard untripped")
	}

	ok, _, _ = g.CanOperateWithFreshBalance(context.Background(), func(context.Context) (float64, error) {
		return 900, nil
	})
	if ok || g.CanOperate() {
		t.Error("Expected fresh low balance to trip the guard")
	}
}

func TestWithThreshold(t *testing.T) {
	g := newGuard(t, 1000, 5)
	g.UpdateBalance(980)

	next, err := g.WithThreshold(10)
	if err != nil {
		t.Fatalf("WithThreshold failed: %v", err)
	}
	if next.Baseline() != 1000 || math.Abs(next.Floor()-900) > eps || next.Current() != 980 {
		t.Errorf("Unexpected rearmed guard %+v", next.Snapshot())
	}

	g.UpdateBalance(940)
	if _, err := g.WithThreshold(10); !errors.Is(err, ErrTriggered) {
		t.Errorf("Expected ErrTriggered, got %v", err)
	}
}

func TestGuardConcurrentUpdates(t *testing.T) {
	g := newGuard(t, 1000, 5)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g.UpdateBalance(1000 - float64(i))
			g.CalculateSafeEntry(EntryPercent, 1)
			g.Snapshot()
		}(i)
	}
	wg.Wait()
	if !g.CanOperate() {
		t.Error("Balances above 950 must not trip the guard")
	}
}

// ============================================================================
// LOSS STREAK TRACKER
// ============================================================================

func TestTwoFullLossesSkipTwoSignals(t *testing.T) {
	tr := NewLossStreakTracker()

	if armed, _ := tr.Observe(orders.StatusLoss); armed {
		t.Error("Expected first loss not to arm skip")
	}
	if armed, _ := tr.Observe(orders.StatusLoss); !armed {
		t.Error("Expected second consecutive loss to arm skip")
	}

	if !tr.ConsumeSkipIfArmed() {
		t.Error("Expected signal 1 to be skipped")
	}
	if !tr.ConsumeSkipIfArmed() {
		t.Error("Expected signal 2 to be skipped")
	}
	if tr.ConsumeSkipIfArmed() {
		t.Error("Expected signal 3 to execute")
	}
}

func TestWinResetsCountButNotSkip(t *testing.T) {
	tr := NewLossStreakTracker()
	tr.Observe(orders.StatusLoss)
	tr.Observe(orders.StatusLoss)
	tr.Observe(orders.StatusWin)

	snap := tr.Snapshot()
	if snap.ConsecutiveLosses != 0 {
		t.Errorf("Expected count reset, got %d", snap.ConsecutiveLosses)
	}
	if snap.SkipRemaining != 2 {
		t.Errorf("Expected armed skip to survive a win, got %d", snap.SkipRemaining)
	}
}

func TestEqualResetsStreak(t *testing.T) {
	tr := NewLossStreakTracker()
	tr.Observe(orders.StatusLoss)
	tr.Observe(orders.StatusEqual)
	if armed, _ := tr.Observe(orders.StatusLoss); armed {
		t.Error("Expected streak broken by equal")
	}
}

func TestThirdLossRearmsToTwo(t *testing.T) {
	tr := NewLossStreakTracker()
	tr.Observe(orders.StatusLoss)
	tr.Observe(orders.StatusLoss)
	tr.ConsumeSkipIfArmed()
	tr.Observe(orders.StatusLoss)

	snap := tr.Snapshot()
	if snap.SkipRemaining != 2 {
		t.Errorf("Expected skip set to 2 (not added), got %d", snap.SkipRemaining)
	}
	if snap.ConsecutiveLosses != 3 {
		t.Errorf("Expected count 3, got %d", snap.ConsecutiveLosses)
	}
}

func TestObserveRejectsPending(t *testing.T) {
	tr := NewLossStreakTracker()
	if _, err := tr.Observe(orders.StatusPending); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("Expected ErrNotTerminal, got %v", err)
	}
}
