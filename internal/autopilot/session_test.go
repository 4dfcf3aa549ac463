package autopilot

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/broker"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/orders"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/risk"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

// fakeClock advances its own time on Sleep. When hold is set, Sleep first waits
// for hold to be closed.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	hold chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	hold := c.hold
	c.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Hold() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = make(chan struct{})
	return c.hold
}

type testSession struct {
	*Session
	paper *broker.PaperClient
	clock *fakeClock
}

func newTestSession(t *testing.T, cfg SessionConfig, balance float64, outcomes ...broker.Outcome) *testSession {
	t.Helper()
	clock := newFakeClock()
	paper := broker.NewPaperClient(balance,
		broker.WithClock(clock.Now),
		broker.WithPayout(0.8),
		broker.WithScriptedOutcomes(outcomes...),
	)
	sess, err := NewSession(SessionParams{
		UserID:         "trader@example.com",
		AccountType:    broker.AccountPractice,
		Client:         paper,
		Source:         signals.NewMemorySource(),
		InitialBalance: balance,
		Config:         cfg,
		Timing:         Timing{NoSignalGrace: time.Hour, Location: time.UTC},
		Clock:          clock,
		Logger:         logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return &testSession{Session: sess, paper: paper, clock: clock}
}

func fixedConfig(amount float64, gale int) SessionConfig {
	return SessionConfig{
		StopLossPercent: 50,
		EntryMode:       risk.EntryFixed,
		EntryValue:      amount,
		GaleLevel:       gale,
		Multiplier:      DefaultMultiplier,
	}
}

func mustSignal(t *testing.T, line string) signals.Signal {
	t.Helper()
	parts := strings.Split(line, ";")
	sig, err := signals.New(parts[0], parts[1], parts[2], parts[3])
	if err != nil {
		t.Fatalf("invalid test signal %q: %v", line, err)
	}
	return sig
}

func waitChains(t *testing.T, s *Session) {
	t.Helper()
	if !s.Wait(5 * time.Second) {
		t.Fatal("Timed out waiting for chains to resolve")
	}
}

func hasLog(s *Session, substr string) bool {
	for _, e := range s.Logs(0) {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// ============================================================================
// TEST CASES: CASCADE TRANSITIONS
// ============================================================================

func TestCascadeApply(t *testing.T) {
	cascade, err := NewCascade(2, DefaultMultiplier)
	if err != nil {
		t.Fatalf("NewCascade failed: %v", err)
	}

	tests := []struct {
		name   string
		status orders.Status
		level  int
		want   TransitionKind
		final  orders.Status
	}{
		{"pending waits", orders.StatusPending, 0, TransitionAwait, ""},
		{"win resolves", orders.StatusWin, 0, TransitionResolve, orders.StatusWin},
		{"equal resolves", orders.StatusEqual, 1, TransitionResolve, orders.StatusEqual},
		{"loss escalates", orders.StatusLoss, 0, TransitionEscalate, ""},
		{"loss at gale level resolves", orders.StatusLoss, 2, TransitionResolve, orders.StatusLoss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := cascade.Apply(orders.TradeOrder{Status: tt.status, MartingaleLevel: tt.level, Amount: 10})
			if tr.Kind != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, tr.Kind)
			}
			if tr.Final != tt.final {
				t.Errorf("Expected final %q, got %q", tt.final, tr.Final)
			}
		})
	}

	tr := cascade.Apply(orders.TradeOrder{Status: orders.StatusLoss, MartingaleLevel: 1, Amount: 21.5})
	if tr.NextLevel != 2 || tr.NextAmount != 46.225 {
		t.Errorf("Expected level 2 amount 46.225, got level %d amount %v", tr.NextLevel, tr.NextAmount)
	}
}

func TestNewCascadeValidation(t *testing.T) {
	if _, err := NewCascade(3, DefaultMultiplier); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for gale 3, got %v", err)
	}
	if _, err := NewCascade(-1, DefaultMultiplier); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for gale -1, got %v", err)
	}
	if _, err := NewCascade(1, 1); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for multiplier 1, got %v", err)
	}
}

// ============================================================================
// TEST CASES: MARTINGALE CHAINS
// ============================================================================

func TestFullLossChainAmounts(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 2), 1000, broker.OutcomeLoose, broker.OutcomeLoose, broker.OutcomeLoose)

	ts.processSignal(context.Background(), mustSignal(t, "M1;EURUSD;10:00;CALL"))
	waitChains(t, ts.Session)

	recent := ts.Ledger().Recent(0)
	if len(recent) != 3 {
		t.Fatalf("Expected 3 orders, got %d", len(recent))
	}
	root := recent[2]
	chain := ts.Ledger().Chain(root.ID)

	want := []float64{10, 21.5, 46.225}
	for i, o := range chain {
		if o.Amount != want[i] {
			t.Errorf("Level %d: expected amount %v, got %v", i, want[i], o.Amount)
		}
		if o.MartingaleLevel != i {
			t.Errorf("Expected level %d, got %d", i, o.MartingaleLevel)
		}
		if o.Status != orders.StatusLoss {
			t.Errorf("Level %d: expected loss, got %s", i, o.Status)
		}
		if i > 0 && o.ParentOrderID != root.ID {
			t.Errorf("Level %d: expected parent %s, got %s", i, root.ID, o.ParentOrderID)
		}
		if o.OriginSignal == nil || o.OriginSignal.Asset != "EURUSD" {
			t.Errorf("Level %d: expected origin signal to be carried", i)
		}
	}

	streak := ts.tracker.Snapshot()
	if streak.ConsecutiveLosses != 1 {
		t.Errorf("Expected exactly one loss observation, got %d", streak.ConsecutiveLosses)
	}

	st := ts.Status(context.Background(), true)
	if st.ProcessedSignals != 1 || st.ExecutedSignals != 1 {
		t.Errorf("Expected 1 processed and 1 executed, got %d/%d", st.ProcessedSignals, st.ExecutedSignals)
	}
	if math.Abs(st.Balance-922.275) > 1e-9 {
		t.Errorf("Expected balance 922.275, got %v", st.Balance)
	}
	if st.Variation != st.Balance-1000 {
		t.Errorf("Expected variation relative to initial balance, got %v", st.Variation)
	}
}

func TestGaleZeroResolvesAtFirstLoss(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000, broker.OutcomeLoose)

	ts.processSignal(context.Background(), mustSignal(t, "M1;EURUSD;10:00;PUT"))
	waitChains(t, ts.Session)

	if n := ts.Ledger().Len(); n != 1 {
		t.Errorf("Expected a single order, got %d", n)
	}
	if ts.tracker.Snapshot().ConsecutiveLosses != 1 {
		t.Error("Expected the chain to count as a full loss")
	}
}

func TestGaleOneRecovers(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 1), 1000, broker.OutcomeLoose, broker.OutcomeWin)

	ts.processSignal(context.Background(), mustSignal(t, "M5;GBPUSD;10:00;CALL"))
	waitChains(t, ts.Session)

	recent := ts.Ledger().Recent(0)
	if len(recent) != 2 {
		t.Fatalf("Expected 2 orders, got %d", len(recent))
	}
	if recent[0].Status != orders.StatusWin || recent[0].MartingaleLevel != 1 {
		t.Errorf("Expected level 1 win, got level %d %s", recent[0].MartingaleLevel, recent[0].Status)
	}
	if recent[0].ExpiryMinutes != 5 {
		t.Errorf("Expected escalation to keep expiry 5, got %d", recent[0].ExpiryMinutes)
	}
	if ts.tracker.Snapshot().ConsecutiveLosses != 0 {
		t.Error("Expected a recovered chain not to count as a loss")
	}
}

func TestTwoFullLossesSkipTwoSignals(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000,
		broker.OutcomeLoose, broker.OutcomeLoose, broker.OutcomeWin)
	ctx := context.Background()
	sig := mustSignal(t, "M1;EURUSD;10:00;CALL")

	for i := 0; i < 2; i++ {
		ts.processSignal(ctx, sig)
		waitChains(t, ts.Session)
	}
	if snap := ts.tracker.Snapshot(); snap.SkipRemaining != 2 {
		t.Fatalf("Expected skip armed for 2 signals, got %+v", snap)
	}

	ts.processSignal(ctx, sig)
	ts.processSignal(ctx, sig)
	if n := ts.Ledger().Len(); n != 2 {
		t.Errorf("Expected skipped signals to place nothing, got %d orders", n)
	}

	ts.processSignal(ctx, sig)
	waitChains(t, ts.Session)

	st := ts.Status(ctx, false)
	if st.SkippedSignals != 2 {
		t.Errorf("Expected 2 skipped signals, got %d", st.SkippedSignals)
	}
	if st.ExecutedSignals != 3 {
		t.Errorf("Expected 3 executed signals, got %d", st.ExecutedSignals)
	}
	if st.LossStreak.ConsecutiveLosses != 0 {
		t.Errorf("Expected win to reset the streak, got %d", st.LossStreak.ConsecutiveLosses)
	}
	if !hasLog(ts.Session, "Signal skipped") {
		t.Error("Expected a skipped entry in the activity log")
	}
}

func TestNoEscalationAfterStop(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 2), 1000, broker.OutcomeLoose)
	release := ts.clock.Hold()

	ts.processSignal(context.Background(), mustSignal(t, "M1;EURUSD;10:00;CALL"))
	ts.Stop()
	close(release)
	waitChains(t, ts.Session)

	if n := ts.Ledger().Len(); n != 1 {
		t.Errorf("Expected no escalation after stop, got %d orders", n)
	}
	recent := ts.Ledger().Recent(1)
	if recent[0].Status != orders.StatusLoss {
		t.Errorf("Expected the in-flight order to still record its result, got %s", recent[0].Status)
	}
	if ts.tracker.Snapshot().ConsecutiveLosses != 1 {
		t.Error("Expected the refused escalation to resolve the chain as a loss")
	}
}

func TestManualChainStopsEscalatingAfterStop(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 1), 1000, broker.OutcomeLoose, broker.OutcomeLoose, broker.OutcomeWin)
	release := ts.clock.Hold()

	order, err := ts.PlaceManualTrade(context.Background(), ManualTrade{Asset: "EURUSD", Direction: "put", Amount: 5})
	if err != nil {
		t.Fatalf("PlaceManualTrade failed: %v", err)
	}
	ts.Stop()
	close(release)
	waitChains(t, ts.Session)

	if chain := ts.Ledger().Chain(order.ID); len(chain) != 1 || chain[0].Status != orders.StatusLoss {
		t.Errorf("Expected the manual chain to end at its first order, got %+v", chain)
	}

	// a trade placed after the stop escalates again
	order, err = ts.PlaceManualTrade(context.Background(), ManualTrade{Asset: "EURUSD", Direction: "put", Amount: 5})
	if err != nil {
		t.Fatalf("PlaceManualTrade failed: %v", err)
	}
	waitChains(t, ts.Session)
	if chain := ts.Ledger().Chain(order.ID); len(chain) != 2 {
		t.Errorf("Expected a fresh manual chain to escalate, got %d orders", len(chain))
	}
}

func TestChainEscalatesAfterSchedulerRunsOut(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 1), 1000, broker.OutcomeLoose, broker.OutcomeWin)
	ts.source.(*signals.MemorySource).Set(mustSignal(t, "M1;EURUSD;10:00;CALL"))
	release := ts.clock.Hold()
	ctx := context.Background()

	if err := ts.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ts.Ledger().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the signal order")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// the order is open while the day's signals run out
	for ts.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the scheduler to finish")
		}
		// one poll per hour so the day does not wrap
		ts.clock.Advance(time.Hour)
		time.Sleep(3 * DefaultPollInterval / 2)
	}
	if st := ts.Status(ctx, false); st.State != StateStoppedNoMoreSignals {
		t.Fatalf("Expected %s, got %s", StateStoppedNoMoreSignals, st.State)
	}

	close(release)
	waitChains(t, ts.Session)

	recent := ts.Ledger().Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Expected the martingale order after the scheduler ended, got %d orders", len(recent))
	}
	if recent[0].MartingaleLevel != 1 || recent[0].Status != orders.StatusWin {
		t.Errorf("Expected a winning gale 1, got level %d %s", recent[0].MartingaleLevel, recent[0].Status)
	}
	if n := ts.tracker.Snapshot().ConsecutiveLosses; n != 0 {
		t.Errorf("Expected the recovered chain not to count as a loss, got %d", n)
	}
}

func TestSignalSkippedWhenStopLossTripped(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000)
	ts.paper.SetBalance(400)

	ts.processSignal(context.Background(), mustSignal(t, "M1;EURUSD;10:00;CALL"))

	if n := ts.Ledger().Len(); n != 0 {
		t.Errorf("Expected no order below the floor, got %d", n)
	}
	if !hasLog(ts.Session, "Signal skipped, stop loss triggered: ") {
		t.Error("Expected the skipped signal to be logged")
	}
}

func TestNoEscalationAfterStopLossTrip(t *testing.T) {
	cfg := fixedConfig(40, 1)
	cfg.StopLossPercent = 5
	ts := newTestSession(t, cfg, 1000, broker.OutcomeLoose)
	release := ts.clock.Hold()

	ts.processSignal(context.Background(), mustSignal(t, "M1;EURUSD;10:00;CALL"))
	if n := ts.Ledger().Len(); n != 1 {
		t.Fatalf("Expected first order placed, got %d", n)
	}
	// the account drops below the floor while the order is open
	ts.paper.SetBalance(900)
	close(release)
	waitChains(t, ts.Session)

	if n := ts.Ledger().Len(); n != 1 {
		t.Errorf("Expected no escalation after trip, got %d orders", n)
	}
	if !ts.stopLoss().Triggered() {
		t.Error("Expected guard to be triggered")
	}
	if !hasLog(ts.Session, "Stop loss triggered") {
		t.Error("Expected the trip to be logged")
	}
}

func TestSafeEntryCapsSignalAmount(t *testing.T) {
	cfg := fixedConfig(100, 0)
	cfg.StopLossPercent = 5
	ts := newTestSession(t, cfg, 1000, broker.OutcomeWin)

	ts.processSignal(context.Background(), mustSignal(t, "M1;EURUSD;10:00;CALL"))
	waitChains(t, ts.Session)

	recent := ts.Ledger().Recent(1)
	if len(recent) != 1 || recent[0].Amount != 40 {
		t.Errorf("Expected amount capped to 40, got %+v", recent)
	}
}

func TestInvalidTimeframeIsNotExecuted(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000)

	tod, _ := signals.ParseTimeOfDay("10:00")
	ts.processSignal(context.Background(), signals.Signal{Timeframe: "M0", Asset: "EURUSD", TimeOfDay: tod, Direction: signals.Call})
	st := ts.Status(context.Background(), false)
	if st.ProcessedSignals != 0 || st.ExecutedSignals != 0 {
		t.Errorf("Expected invalid timeframe to abort the signal, got %d/%d", st.ProcessedSignals, st.ExecutedSignals)
	}
	if !hasLog(ts.Session, "Invalid timeframe") {
		t.Error("Expected invalid timeframe to be logged")
	}
}

// ============================================================================
// TEST CASES: SESSION LIFECYCLE
// ============================================================================

func TestStartStop(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000)
	ctx := context.Background()

	if err := ts.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ts.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if !ts.IsRunning() {
		t.Error("Expected session to be running")
	}

	ts.Stop()
	st := ts.Status(ctx, false)
	if st.Running || st.State != StateStoppedByUser {
		t.Errorf("Expected stopped_by_user, got running=%v state=%s", st.Running, st.State)
	}

	if err := ts.Start(ctx); err != nil {
		t.Errorf("Expected restart to succeed, got %v", err)
	}
	ts.Stop()
}

func TestConcurrentStartIsExclusive(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ts.Start(ctx); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyRunning) {
				t.Errorf("Unexpected start error: %v", err)
			}
		}()
	}
	wg.Wait()
	ts.Stop()

	if started != 1 {
		t.Errorf("Expected exactly one start to succeed, got %d", started)
	}
}

func TestStartRefusedWhenTripped(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000)
	ts.paper.SetBalance(100)

	if err := ts.Start(context.Background()); !errors.Is(err, ErrStopLossTriggered) {
		t.Errorf("Expected ErrStopLossTriggered, got %v", err)
	}
	if ts.IsRunning() {
		t.Error("Expected session not to run")
	}
}

func TestStartAfterClose(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000)
	ts.Close()
	if err := ts.Start(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
}

func TestUpdateConfig(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000)

	gale := 3
	if _, err := ts.UpdateConfig(ConfigUpdate{GaleLevel: &gale}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for gale 3, got %v", err)
	}
	mode := "HALF"
	if _, err := ts.UpdateConfig(ConfigUpdate{EntryMode: &mode}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for entry mode, got %v", err)
	}
	if ts.Config().GaleLevel != 0 {
		t.Error("Expected rejected update to leave config unchanged")
	}

	sl := 10.0
	gale = 2
	cfg, err := ts.UpdateConfig(ConfigUpdate{StopLossPercent: &sl, GaleLevel: &gale})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if cfg.GaleLevel != 2 || cfg.StopLossPercent != 10 || cfg.EntryValue != 10 {
		t.Errorf("Expected partial update applied, got %+v", cfg)
	}
	if floor := ts.stopLoss().Floor(); floor != 900 {
		t.Errorf("Expected new floor 900, got %v", floor)
	}

	ts.stopLoss().UpdateBalance(800)
	sl = 20
	if _, err := ts.UpdateConfig(ConfigUpdate{StopLossPercent: &sl}); !errors.Is(err, ErrStopLossTriggered) {
		t.Errorf("Expected ErrStopLossTriggered after trip, got %v", err)
	}
}

// ============================================================================
// TEST CASES: MANUAL TRADES
// ============================================================================

func TestManualTrade(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 1), 1000, broker.OutcomeLoose, broker.OutcomeEqual)
	ctx := context.Background()

	if _, err := ts.PlaceManualTrade(ctx, ManualTrade{Asset: "EURUSD", Direction: "up", Amount: 5}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for bad direction, got %v", err)
	}
	if _, err := ts.PlaceManualTrade(ctx, ManualTrade{Asset: "EURUSD", Direction: "call", Amount: 5000}); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("Expected ErrInsufficientBalance, got %v", err)
	}

	order, err := ts.PlaceManualTrade(ctx, ManualTrade{Asset: "EURUSD", Direction: "call", Amount: 5})
	if err != nil {
		t.Fatalf("PlaceManualTrade failed: %v", err)
	}
	if order.ExpiryMinutes != DefaultManualExpiry || order.OriginSignal != nil || order.Source != orders.SourceManual {
		t.Errorf("Unexpected manual order: %+v", order)
	}
	waitChains(t, ts.Session)

	chain := ts.Ledger().Chain(order.ID)
	if len(chain) != 2 || chain[1].Status != orders.StatusEqual || chain[1].Amount != 10.75 {
		t.Errorf("Expected manual trade to escalate once to an equal, got %+v", chain)
	}
}

func TestCheckTrade(t *testing.T) {
	ts := newTestSession(t, fixedConfig(10, 0), 1000, broker.OutcomeWin)
	release := ts.clock.Hold()
	defer close(release)
	ctx := context.Background()

	order, err := ts.PlaceManualTrade(ctx, ManualTrade{Asset: "EURUSD", Direction: "put", Amount: 10, ExpiryMinutes: 1})
	if err != nil {
		t.Fatalf("PlaceManualTrade failed: %v", err)
	}

	got, err := ts.CheckTrade(ctx, order.ID)
	if err != nil || got.Status != orders.StatusPending {
		t.Errorf("Expected pending before expiry, got %s err=%v", got.Status, err)
	}

	ts.clock.mu.Lock()
	ts.clock.now = ts.clock.now.Add(2 * time.Minute)
	ts.clock.mu.Unlock()

	got, err = ts.CheckTrade(ctx, order.ID)
	if err != nil || got.Status != orders.StatusWin || got.Profit != 8 {
		t.Errorf("Expected win with profit 8, got %+v err=%v", got, err)
	}

	if _, err := ts.CheckTrade(ctx, "missing"); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

// ============================================================================
// TEST CASES: ACTIVITY LOG
// ============================================================================

func TestActivityLogBounded(t *testing.T) {
	log := newActivityLog(3)
	for i := 0; i < 5; i++ {
		log.add(LogEntry{Message: string(rune('a' + i))})
	}
	entries := log.last(0)
	if len(entries) != 3 || entries[0].Message != "c" || entries[2].Message != "e" {
		t.Errorf("Expected [c d e], got %+v", entries)
	}
	if last := log.last(1); len(last) != 1 || last[0].Message != "e" {
		t.Errorf("Expected newest entry, got %+v", last)
	}
}
