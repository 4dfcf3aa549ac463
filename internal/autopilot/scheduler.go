package autopilot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

// SchedulerState is the lifecycle state of a session's signal loop
type SchedulerState string

const (
	StateIdle                 SchedulerState = "idle"
	StateRunning              SchedulerState = "running"
	StateStoppedByUser        SchedulerState = "stopped_by_user"
	StateStoppedByStopLoss    SchedulerState = "stopped_by_stop_loss"
	StateStoppedNoMoreSignals SchedulerState = "stopped_no_more_signals"
)

// NoUpcomingSignals is the preview shown when nothing is left to fire today
const NoUpcomingSignals = "no upcoming signals"

// Scheduler defaults
const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultReloadInterval = 60 * time.Second
	DefaultNoSignalGrace  = 2 * time.Minute
)

// SchedulerConfig wires a Scheduler to its session
type SchedulerConfig struct {
	Source         signals.Source
	Clock          Clock
	Location       *time.Location
	PollInterval   time.Duration
	ReloadInterval time.Duration
	NoSignalGrace  time.Duration

	// CanOperate gates every tick; false ends the run
	CanOperate func() bool
	// Dispatch executes one due signal on the scheduler goroutine
	Dispatch func(ctx context.Context, sig signals.Signal)
	// Report writes to the session's activity log
	Report func(level LogLevel, msg string)
	// Preview receives the next-signal label after every tick
	Preview func(string)
	Logger  *logging.Logger
}

// Scheduler fires signals at their wall-clock minute. A minute fires at most once per
// reload epoch, inside the window from second 58 to second 2.
type Scheduler struct {
	cfg SchedulerConfig

	// owned by the Run goroutine
	lastReload  time.Time
	loaded      bool
	fired       map[string]struct{}
	emptySince  time.Time
	lastRejects int
}

// NewScheduler fills in defaults for unset fields
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = DefaultReloadInterval
	}
	if cfg.NoSignalGrace <= 0 {
		cfg.NoSignalGrace = DefaultNoSignalGrace
	}
	if cfg.CanOperate == nil {
		cfg.CanOperate = func() bool { return true }
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(context.Context, signals.Signal) {}
	}
	if cfg.Report == nil {
		cfg.Report = func(LogLevel, string) {}
	}
	if cfg.Preview == nil {
		cfg.Preview = func(string) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithComponent("scheduler")
	}
	return &Scheduler{cfg: cfg, fired: make(map[string]struct{})}
}

// Run loops until ctx is cancelled or a stop condition is reached, returning the final state
func (s *Scheduler) Run(ctx context.Context) SchedulerState {
	s.begin(s.cfg.Clock.Now())
	if st, done := s.Tick(ctx, s.cfg.Clock.Now()); done {
		return st
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StateStoppedByUser
		case <-ticker.C:
			if st, done := s.Tick(ctx, s.cfg.Clock.Now()); done {
				return st
			}
		}
	}
}

// begin performs the initial load; the reload interval is measured from here
func (s *Scheduler) begin(now time.Time) {
	s.reload(now.In(s.cfg.Location))
}

// Tick runs one poll step at now. It reports the resulting state and whether the run is over.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (SchedulerState, bool) {
	now = now.In(s.cfg.Location)
	if ctx.Err() != nil {
		return StateStoppedByUser, true
	}

	if !s.loaded || now.Sub(s.lastReload) >= s.cfg.ReloadInterval {
		s.reload(now)
	}

	if !s.cfg.CanOperate() {
		s.cfg.Report(LogWarning, "Stop loss triggered, signal execution halted")
		return StateStoppedByStopLoss, true
	}

	key := signals.TimeOfDayOf(now).String()
	if _, done := s.fired[key]; !done {
		if due := s.cfg.Source.DueAt(now); len(due) > 0 && inFiringWindow(now) {
			s.fired[key] = struct{}{}
			s.cfg.Logger.Debug("Dispatching due signals", "minute", key, "count", len(due))
			for _, sig := range due {
				if ctx.Err() != nil {
					break
				}
				s.cfg.Dispatch(ctx, sig)
			}
		}
	}

	if ctx.Err() != nil {
		return StateStoppedByUser, true
	}

	next := s.cfg.Source.NextUpcoming(now, 1)
	if len(next) > 0 {
		s.emptySince = time.Time{}
		s.cfg.Preview(next[0].Preview())
		return StateRunning, false
	}

	s.cfg.Preview(NoUpcomingSignals)
	if s.emptySince.IsZero() {
		s.emptySince = now
		return StateRunning, false
	}
	if now.Sub(s.emptySince) >= s.cfg.NoSignalGrace {
		s.cfg.Report(LogInfo, "No more signals scheduled for today")
		return StateStoppedNoMoreSignals, true
	}
	return StateRunning, false
}

// reload re-reads the source and starts a new dedupe epoch. A failed read keeps the
// previous list and epoch.
func (s *Scheduler) reload(now time.Time) {
	first := !s.loaded
	s.lastReload = now
	s.loaded = true

	list, err := s.cfg.Source.LoadAll()
	var parseErr *signals.ParseError
	if err != nil && !errors.As(err, &parseErr) {
		s.cfg.Report(LogError, fmt.Sprintf("Error reloading signals: %v", err))
		return
	}
	// the current minute stays fired so its window cannot fire twice across epochs
	current := signals.TimeOfDayOf(now).String()
	_, keep := s.fired[current]
	s.fired = make(map[string]struct{})
	if keep {
		s.fired[current] = struct{}{}
	}

	rejects := 0
	if parseErr != nil {
		rejects = len(parseErr.Lines)
	}
	if first || rejects != s.lastRejects {
		if rejects > 0 {
			s.cfg.Report(LogWarning, fmt.Sprintf("%d signal line(s) rejected: %v", rejects, parseErr))
		}
		if first && len(list) == 0 {
			s.cfg.Report(LogWarning, "No valid signals found")
		}
	}
	s.lastRejects = rejects
	s.cfg.Logger.Debug("Signals reloaded", "valid", len(list), "rejected", rejects)
}

// inFiringWindow reports whether now's second is in [58,60) or [0,2]
func inFiringWindow(now time.Time) bool {
	sec := now.Second()
	return sec >= 58 || sec <= 2
}
