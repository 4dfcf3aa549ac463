package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid risk configuration")
	ErrTriggered     = errors.New("stop loss already triggered")
)

// SafeEntryBuffer is the share of the distance to the floor a single entry may use
const SafeEntryBuffer = 0.8

// EntryMode selects how an entry amount is derived
type EntryMode string

const (
	EntryPercent EntryMode = "PERCENT" // percentage of the current balance
	EntryFixed   EntryMode = "FIXED"   // absolute amount
)

// ParseEntryMode normalises an entry mode string
func ParseEntryMode(s string) (EntryMode, error) {
	m := EntryMode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case EntryPercent, EntryFixed:
		return m, nil
	}
	return "", fmt.Errorf("%w: entry mode %q must be PERCENT or FIXED", ErrInvalidConfig, s)
}

// BalanceFetcher queries the live account balance
type BalanceFetcher func(ctx context.Context) (float64, error)

// StopLossSnapshot is a point-in-time view of the guard
type StopLossSnapshot struct {
	Baseline         float64   `json:"baseline"`
	ThresholdPercent float64   `json:"threshold_percent"`
	Floor            float64   `json:"floor"`
	Current          float64   `json:"current"`
	LossPercent      float64   `json:"loss_percent"`
	Triggered        bool      `json:"triggered"`
	TriggeredAt      time.Time `json:"triggered_at,omitempty"`
}

// StopLossGuard enforces a hard loss limit relative to the session's starting balance.
// Once the balance drops below the floor the guard trips and never resets.
type StopLossGuard struct {
	mu               sync.RWMutex
	baseline         float64
	thresholdPercent float64
	floor            float64
	current          float64
	triggered        bool
	triggeredAt      time.Time
	onTrip           []func(StopLossSnapshot)
}

// NewStopLossGuard creates a guard with floor = baseline * (1 - thresholdPercent/100)
func NewStopLossGuard(baseline, thresholdPercent float64) (*StopLossGuard, error) {
	if err := ValidateThreshold(thresholdPercent); err != nil {
		return nil, err
	}
	if baseline <= 0 || math.IsNaN(baseline) || math.IsInf(baseline, 0) {
		return nil, fmt.Errorf("%w: baseline balance must be positive, got %v", ErrInvalidConfig, baseline)
	}
	return &StopLossGuard{
		baseline:         baseline,
		thresholdPercent: thresholdPercent,
		floor:            baseline * (1 - thresholdPercent/100),
		current:          baseline,
	}, nil
}

// ValidateThreshold checks 0 < p < 100
func ValidateThreshold(p float64) error {
	if math.IsNaN(p) || p <= 0 || p >= 100 {
		return fmt.Errorf("%w: stop loss percent must be between 0 and 100 (exclusive), got %v", ErrInvalidConfig, p)
	}
	return nil
}

// WithThreshold returns a fresh guard sharing this guard's baseline and current balance
// but using a different threshold. A tripped guard cannot be replaced.
func (g *StopLossGuard) WithThreshold(thresholdPercent float64) (*StopLossGuard, error) {
	g.mu.RLock()
	baseline, current, triggered := g.baseline, g.current, g.triggered
	g.mu.RUnlock()

	if triggered {
		return nil, ErrTriggered
	}
	next, err := NewStopLossGuard(baseline, thresholdPercent)
	if err != nil {
		return nil, err
	}
	next.UpdateBalance(current)
	return next, nil
}

// OnTrip registers fn to run once when the guard trips. It runs on the goroutine
// that observed the tripping balance, after the guard's lock is released.
func (g *StopLossGuard) OnTrip(fn func(StopLossSnapshot)) {
	g.mu.Lock()
	g.onTrip = append(g.onTrip, fn)
	g.mu.Unlock()
}

// UpdateBalance records balance and trips the guard if it is below the floor.
// Non-finite balances are ignored. Returns whether the guard is triggered.
func (g *StopLossGuard) UpdateBalance(balance float64) bool {
	if math.IsNaN(balance) || math.IsInf(balance, 0) {
		return g.Triggered()
	}

	g.mu.Lock()
	g.current = balance
	justTripped := false
	if !g.triggered && balance < g.floor {
		g.triggered = true
		g.triggeredAt = time.Now()
		justTripped = true
	}
	triggered := g.triggered
	var callbacks []func(StopLossSnapshot)
	if justTripped {
		callbacks = append(callbacks, g.onTrip...)
	}
	snap := g.snapshotLocked()
	g.mu.Unlock()

	for _, fn := range callbacks {
		fn(snap)
	}
	return triggered
}

// CanOperate reports whether new orders are allowed
func (g *StopLossGuard) CanOperate() bool {
	return !g.Triggered()
}

// Triggered reports whether the guard has tripped
func (g *StopLossGuard) Triggered() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.triggered
}

// CanOperateWithFreshBalance re-queries the balance before deciding. A failed query
// blocks operation and returns the error.
func (g *StopLossGuard) CanOperateWithFreshBalance(ctx context.Context, fetch BalanceFetcher) (bool, float64, error) {
	if !g.CanOperate() {
		return false, g.Current(), nil
	}
	balance, err := fetch(ctx)
	if err != nil {
		return false, g.Current(), err
	}
	return !g.UpdateBalance(balance), balance, nil
}

// CalculateSafeEntry returns the entry amount for mode/value, capped so that losing it
// keeps the balance above the floor with a buffer. Returns 0 when trading is not allowed.
func (g *StopLossGuard) CalculateSafeEntry(mode EntryMode, value float64) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.triggered || value <= 0 || math.IsNaN(value) {
		return 0
	}

	requested := value
	if mode == EntryPercent {
		requested = g.current * value / 100
	}

	headroom := (g.current - g.floor) * SafeEntryBuffer
	if headroom <= 0 {
		return 0
	}
	return math.Min(requested, headroom)
}

// Current returns the last known balance
func (g *StopLossGuard) Current() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Floor returns the minimum allowed balance
func (g *StopLossGuard) Floor() float64 {
	return g.floor
}

// Baseline returns the starting balance
func (g *StopLossGuard) Baseline() float64 {
	return g.baseline
}

// ThresholdPercent returns the configured loss limit
func (g *StopLossGuard) ThresholdPercent() float64 {
	return g.thresholdPercent
}

// Snapshot returns the guard state
func (g *StopLossGuard) Snapshot() StopLossSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked()
}

func (g *StopLossGuard) snapshotLocked() StopLossSnapshot {
	lossPct := 0.0
	if g.current < g.baseline {
		lossPct = (g.baseline - g.current) / g.baseline * 100
	}
	return StopLossSnapshot{
		Baseline:         g.baseline,
		ThresholdPercent: g.thresholdPercent,
		Floor:            g.floor,
		Current:          g.current,
		LossPercent:      lossPct,
		Triggered:        g.triggered,
		TriggeredAt:      g.triggeredAt,
	}
}
