package autopilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

type dispatchRecorder struct {
	mu   sync.Mutex
	sigs []signals.Signal
}

func (d *dispatchRecorder) dispatch(_ context.Context, sig signals.Signal) {
	d.mu.Lock()
	d.sigs = append(d.sigs, sig)
	d.mu.Unlock()
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sigs)
}

type reportRecorder struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (r *reportRecorder) report(level LogLevel, msg string) {
	r.mu.Lock()
	r.entries = append(r.entries, LogEntry{Type: level, Message: msg})
	r.mu.Unlock()
}

func (r *reportRecorder) contains(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

// failingSource fails every load after the first
type failingSource struct {
	*signals.MemorySource
	loads int
}

func (f *failingSource) LoadAll() ([]signals.Signal, error) {
	f.loads++
	if f.loads > 1 {
		return nil, errors.New("disk unavailable")
	}
	return f.MemorySource.LoadAll()
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 3, 14, hh, mm, ss, 0, time.UTC)
}

func newTestScheduler(src signals.Source, d *dispatchRecorder, r *reportRecorder) (*Scheduler, *string) {
	preview := new(string)
	s := NewScheduler(SchedulerConfig{
		Source:         src,
		Clock:          newFakeClock(),
		Location:       time.UTC,
		ReloadInterval: time.Minute,
		NoSignalGrace:  2 * time.Minute,
		Dispatch:       d.dispatch,
		Report:         r.report,
		Preview:        func(p string) { *preview = p },
		Logger:         logging.Nop(),
	})
	return s, preview
}

// ============================================================================
// TEST CASES: FIRING WINDOW
// ============================================================================

func TestInFiringWindow(t *testing.T) {
	tests := []struct {
		sec  int
		want bool
	}{
		{0, true}, {1, true}, {2, true}, {3, false}, {30, false}, {57, false}, {58, true}, {59, true},
	}
	for _, tt := range tests {
		if got := inFiringWindow(at(10, 30, tt.sec)); got != tt.want {
			t.Errorf("Second %d: expected %v, got %v", tt.sec, tt.want, got)
		}
	}
}

func TestSchedulerFiresOncePerMinute(t *testing.T) {
	src := signals.NewMemorySource(
		mustSignal(t, "M1;EURUSD;10:30;CALL"),
		mustSignal(t, "M5;GBPUSD;10:30;PUT"),
		mustSignal(t, "M1;USDJPY;10:45;CALL"),
	)
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, preview := newTestScheduler(src, d, r)
	ctx := context.Background()

	s.begin(at(10, 29, 50))
	if _, done := s.Tick(ctx, at(10, 29, 59)); done {
		t.Fatal("Expected scheduler to keep running")
	}
	if d.count() != 0 {
		t.Errorf("Expected nothing dispatched before the minute, got %d", d.count())
	}

	s.Tick(ctx, at(10, 30, 0))
	if d.count() != 2 {
		t.Fatalf("Expected both 10:30 signals dispatched, got %d", d.count())
	}
	if d.sigs[0].Asset != "EURUSD" || d.sigs[1].Asset != "GBPUSD" {
		t.Errorf("Expected list order, got %s then %s", d.sigs[0].Asset, d.sigs[1].Asset)
	}

	s.Tick(ctx, at(10, 30, 1))
	s.Tick(ctx, at(10, 30, 2))
	if d.count() != 2 {
		t.Errorf("Expected the minute to fire once, got %d dispatches", d.count())
	}

	if *preview != "10:30 - EURUSD (CALL)" {
		t.Errorf("Expected preview of the current minute, got %q", *preview)
	}
	s.Tick(ctx, at(10, 31, 0))
	if *preview != "10:45 - USDJPY (CALL)" {
		t.Errorf("Expected preview of the next signal, got %q", *preview)
	}
}

func TestSchedulerMissesLateTick(t *testing.T) {
	src := signals.NewMemorySource(mustSignal(t, "M1;EURUSD;10:30;CALL"))
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, _ := newTestScheduler(src, d, r)
	ctx := context.Background()

	s.begin(at(10, 30, 3))
	s.Tick(ctx, at(10, 30, 3))
	s.Tick(ctx, at(10, 30, 30))
	if d.count() != 0 {
		t.Errorf("Expected no dispatch outside the window, got %d", d.count())
	}
}

func TestSchedulerReloadKeepsCurrentMinute(t *testing.T) {
	src := signals.NewMemorySource(mustSignal(t, "M1;EURUSD;10:30;CALL"))
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, _ := newTestScheduler(src, d, r)
	ctx := context.Background()

	s.begin(at(10, 29, 1))
	s.Tick(ctx, at(10, 30, 0))
	if d.count() != 1 {
		t.Fatalf("Expected 1 dispatch, got %d", d.count())
	}

	// the reload interval elapses inside the firing window
	s.Tick(ctx, at(10, 30, 1))
	if src.Loads() != 2 {
		t.Fatalf("Expected a reload, got %d loads", src.Loads())
	}
	s.Tick(ctx, at(10, 30, 2))
	if d.count() != 1 {
		t.Errorf("Expected no refire after reload, got %d dispatches", d.count())
	}
}

func TestSchedulerReloadPicksUpNewSignals(t *testing.T) {
	src := signals.NewMemorySource(mustSignal(t, "M1;EURUSD;10:30;CALL"))
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, _ := newTestScheduler(src, d, r)
	ctx := context.Background()

	s.begin(at(10, 0, 0))
	src.Set(mustSignal(t, "M1;EURUSD;10:30;CALL"), mustSignal(t, "M1;AUDUSD;10:05;PUT"))
	s.Tick(ctx, at(10, 0, 30))
	s.Tick(ctx, at(10, 5, 1))
	if d.count() != 1 || d.sigs[0].Asset != "AUDUSD" {
		t.Errorf("Expected the added signal to fire, got %+v", d.sigs)
	}
}

func TestSchedulerReloadErrorKeepsList(t *testing.T) {
	src := &failingSource{MemorySource: signals.NewMemorySource(mustSignal(t, "M1;EURUSD;10:30;CALL"))}
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, _ := newTestScheduler(src, d, r)
	ctx := context.Background()

	s.begin(at(10, 0, 0))
	s.Tick(ctx, at(10, 30, 0))
	if r.contains("Error reloading signals") != 1 {
		t.Error("Expected the reload error to be reported")
	}
	if d.count() != 1 {
		t.Errorf("Expected previous list to keep firing, got %d", d.count())
	}
}

// ============================================================================
// TEST CASES: STOP CONDITIONS
// ============================================================================

func TestSchedulerNoMoreSignals(t *testing.T) {
	src := signals.NewMemorySource(mustSignal(t, "M1;EURUSD;10:30;CALL"))
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, preview := newTestScheduler(src, d, r)
	ctx := context.Background()

	s.begin(at(10, 31, 0))
	if _, done := s.Tick(ctx, at(10, 31, 0)); done {
		t.Fatal("Expected grace period before stopping")
	}
	if *preview != NoUpcomingSignals {
		t.Errorf("Expected %q, got %q", NoUpcomingSignals, *preview)
	}

	// a new signal inside the grace period resets it
	src.Set(mustSignal(t, "M1;EURUSD;10:40;CALL"))
	s.Tick(ctx, at(10, 32, 0))
	if *preview == NoUpcomingSignals {
		t.Error("Expected reloaded signal to be previewed")
	}

	src.Set()
	s.Tick(ctx, at(10, 33, 0))
	if _, done := s.Tick(ctx, at(10, 34, 30)); done {
		t.Error("Expected grace to restart after new signals")
	}
	st, done := s.Tick(ctx, at(10, 35, 0))
	if !done || st != StateStoppedNoMoreSignals {
		t.Errorf("Expected %s, got %s (done=%v)", StateStoppedNoMoreSignals, st, done)
	}
}

func TestSchedulerStopLoss(t *testing.T) {
	src := signals.NewMemorySource(mustSignal(t, "M1;EURUSD;10:30;CALL"))
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, _ := newTestScheduler(src, d, r)
	s.cfg.CanOperate = func() bool { return false }

	s.begin(at(10, 29, 0))
	st, done := s.Tick(context.Background(), at(10, 30, 0))
	if !done || st != StateStoppedByStopLoss {
		t.Errorf("Expected %s, got %s", StateStoppedByStopLoss, st)
	}
	if d.count() != 0 {
		t.Error("Expected no dispatch once the guard trips")
	}
}

func TestSchedulerCancelled(t *testing.T) {
	src := signals.NewMemorySource(mustSignal(t, "M1;EURUSD;10:30;CALL"))
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, _ := newTestScheduler(src, d, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if st := s.Run(ctx); st != StateStoppedByUser {
		t.Errorf("Expected %s, got %s", StateStoppedByUser, st)
	}
}

func TestSchedulerNoValidSignalsWarning(t *testing.T) {
	d, r := &dispatchRecorder{}, &reportRecorder{}
	s, _ := newTestScheduler(signals.NewMemorySource(), d, r)
	s.begin(at(9, 0, 0))
	if r.contains("No valid signals found") != 1 {
		t.Error("Expected a warning for an empty signal list")
	}
}
