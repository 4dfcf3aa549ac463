package risk

import (
	"errors"
	"sync"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/orders"
)

// ErrNotTerminal is returned when a pending outcome is reported as a chain result
var ErrNotTerminal = errors.New("chain outcome must be terminal")

const (
	// DefaultLossStreakThreshold is how many consecutive full losses arm the skip
	DefaultLossStreakThreshold = 2
	// DefaultSkipSignals is how many signals are skipped once armed
	DefaultSkipSignals = 2
)

// LossStreakSnapshot is a point-in-time view of the tracker
type LossStreakSnapshot struct {
	ConsecutiveLosses int `json:"consecutive_losses"`
	SkipRemaining     int `json:"skip_remaining"`
}

// LossStreakTracker counts consecutive fully-lost martingale chains and, past the
// threshold, arms a skip of the next signals.
type LossStreakTracker struct {
	mu            sync.Mutex
	count         int
	skipRemaining int
	threshold     int
	skipSignals   int
}

// NewLossStreakTracker creates a tracker with the default threshold and skip count
func NewLossStreakTracker() *LossStreakTracker {
	return &LossStreakTracker{
		threshold:   DefaultLossStreakThreshold,
		skipSignals: DefaultSkipSignals,
	}
}

// Observe records the final outcome of a fully resolved chain. It returns whether this
// observation armed the skip. A win or equal resets the streak but leaves an armed skip alone.
func (t *LossStreakTracker) Observe(outcome orders.Status) (bool, error) {
	if !outcome.IsTerminal() {
		return false, ErrNotTerminal
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if outcome != orders.StatusLoss {
		t.count = 0
		return false, nil
	}

	t.count++
	if t.count >= t.threshold {
		t.skipRemaining = t.skipSignals
		return true, nil
	}
	return false, nil
}

// ConsumeSkipIfArmed decrements the skip counter and reports whether the current signal
// should be skipped
func (t *LossStreakTracker) ConsumeSkipIfArmed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.skipRemaining > 0 {
		t.skipRemaining--
		return true
	}
	return false
}

// Reset clears the streak and any armed skip
func (t *LossStreakTracker) Reset() {
	t.mu.Lock()
	t.count = 0
	t.skipRemaining = 0
	t.mu.Unlock()
}

// Snapshot returns the tracker state
func (t *LossStreakTracker) Snapshot() LossStreakSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return LossStreakSnapshot{ConsecutiveLosses: t.count, SkipRemaining: t.skipRemaining}
}
