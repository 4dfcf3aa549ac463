// Package autopilot runs signal-driven binary-option sessions: the per-user scheduler,
// the martingale cascades it spawns and the registry that owns them.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/broker"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/events"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/metrics"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/orders"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/risk"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

var (
	ErrInvalidConfig       = risk.ErrInvalidConfig
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBrokerRejected      = errors.New("order rejected by broker")
	ErrBrokerUnavailable   = errors.New("broker unavailable")
	ErrAlreadyRunning      = errors.New("signal execution already running")
	ErrNotAuthenticated    = errors.New("not authenticated with the broker")
	ErrStopLossTriggered   = errors.New("stop loss triggered")
	ErrSessionNotFound     = errors.New("session not found")
	ErrStopped             = errors.New("signal execution stopped")
)

// DefaultManualExpiry is the expiry of a manual trade when none is given
const DefaultManualExpiry = 5

// SessionConfig is the user-tunable part of a session
type SessionConfig struct {
	StopLossPercent float64        `json:"stop_loss"`
	EntryMode       risk.EntryMode `json:"entry_type"`
	EntryValue      float64        `json:"entry_value"`
	GaleLevel       int            `json:"gale"`
	Multiplier      float64        `json:"multiplier"`
}

// Validate rejects out-of-range values. Nothing is clamped.
func (c SessionConfig) Validate() error {
	var errs []error
	if err := risk.ValidateThreshold(c.StopLossPercent); err != nil {
		errs = append(errs, err)
	}
	if _, err := risk.ParseEntryMode(string(c.EntryMode)); err != nil {
		errs = append(errs, err)
	}
	if !(c.EntryValue > 0) || math.IsInf(c.EntryValue, 0) {
		errs = append(errs, fmt.Errorf("%w: entry value must be positive, got %v", ErrInvalidConfig, c.EntryValue))
	} else if c.EntryMode == risk.EntryPercent && c.EntryValue > 100 {
		errs = append(errs, fmt.Errorf("%w: percent entry must not exceed 100, got %v", ErrInvalidConfig, c.EntryValue))
	}
	if _, err := NewCascade(c.GaleLevel, c.Multiplier); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ConfigUpdate carries a partial configuration change; nil fields are left alone
type ConfigUpdate struct {
	StopLossPercent *float64 `json:"stop_loss,omitempty"`
	EntryMode       *string  `json:"entry_type,omitempty"`
	EntryValue      *float64 `json:"entry_value,omitempty"`
	GaleLevel       *int     `json:"gale,omitempty"`
}

// Timing holds the session's loop intervals and buffer sizes
type Timing struct {
	PollInterval   time.Duration
	ReloadInterval time.Duration
	ResultGrace    time.Duration // wait past expiry before checking a result
	NoSignalGrace  time.Duration
	LedgerCapacity int
	LogCapacity    int
	Location       *time.Location
}

func (t Timing) withDefaults() Timing {
	if t.PollInterval <= 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.ReloadInterval <= 0 {
		t.ReloadInterval = DefaultReloadInterval
	}
	if t.ResultGrace < 0 {
		t.ResultGrace = 0
	}
	if t.NoSignalGrace <= 0 {
		t.NoSignalGrace = DefaultNoSignalGrace
	}
	if t.LedgerCapacity <= 0 {
		t.LedgerCapacity = orders.DefaultLedgerCapacity
	}
	if t.LogCapacity <= 0 {
		t.LogCapacity = DefaultLogCapacity
	}
	if t.Location == nil {
		t.Location = time.Local
	}
	return t
}

// TradeRecorder keeps an audit trail of orders outside the session
type TradeRecorder interface {
	RecordPlacement(ctx context.Context, userID string, order orders.TradeOrder) error
	RecordResolution(ctx context.Context, userID string, order orders.TradeOrder) error
}

type nopRecorder struct{}

func (nopRecorder) RecordPlacement(context.Context, string, orders.TradeOrder) error  { return nil }
func (nopRecorder) RecordResolution(context.Context, string, orders.TradeOrder) error { return nil }

// SessionParams are the inputs to NewSession
type SessionParams struct {
	UserID         string
	AccountType    broker.AccountType
	Client         broker.Client
	Source         signals.Source
	InitialBalance float64
	Config         SessionConfig
	Timing         Timing
	Clock          Clock
	Events         *events.EventBus
	Recorder       TradeRecorder
	Logger         *logging.Logger
}

// Session is one authenticated user's execution engine. It owns the stop-loss guard,
// the loss streak tracker, the trade ledger and the signal scheduler.
type Session struct {
	id          string
	userID      string
	accountType broker.AccountType
	client      broker.Client
	source      signals.Source
	ledger      *orders.Ledger
	tracker     *risk.LossStreakTracker
	clock       Clock
	timing      Timing
	events      *events.EventBus
	recorder    TradeRecorder
	logger      *logging.Logger
	tasks       *supervisor
	activity    *activityLog
	createdAt   time.Time

	// lifeCtx ends when the session is closed; result waits use it
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu             sync.RWMutex
	cfg            SessionConfig
	guard          *risk.StopLossGuard
	initialBalance float64
	lastBalance    float64
	running        bool
	state          SchedulerState
	runCancel      context.CancelFunc
	runDone        chan struct{}
	// chains launched under halt escalate until Stop cancels it
	halt           context.Context
	haltCancel     context.CancelFunc
	closed         bool // retired, no new orders
	released       bool // broker client closed
	processed      int
	executed       int
	skipped        int
	nextSignal     string
	lastActive     time.Time
}

// NewSession builds an idle session around an authenticated broker client
func NewSession(p SessionParams) (*Session, error) {
	if p.Client == nil {
		return nil, ErrNotAuthenticated
	}
	if p.Source == nil {
		return nil, fmt.Errorf("%w: signal source is required", ErrInvalidConfig)
	}
	if p.Config.Multiplier == 0 {
		p.Config.Multiplier = DefaultMultiplier
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	guard, err := risk.NewStopLossGuard(p.InitialBalance, p.Config.StopLossPercent)
	if err != nil {
		return nil, err
	}
	if p.Clock == nil {
		p.Clock = SystemClock{}
	}
	if p.Recorder == nil {
		p.Recorder = nopRecorder{}
	}
	if p.Logger == nil {
		p.Logger = logging.Default()
	}
	timing := p.Timing.withDefaults()

	id := uuid.New().String()
	logger := logging.SessionContext(p.Logger, p.UserID, string(p.AccountType)).WithField("session_id", id)

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Session{
		id:             id,
		userID:         p.UserID,
		accountType:    p.AccountType,
		client:         p.Client,
		source:         p.Source,
		ledger:         orders.NewLedger(timing.LedgerCapacity, logger),
		tracker:        risk.NewLossStreakTracker(),
		clock:          p.Clock,
		timing:         timing,
		events:         p.Events,
		recorder:       p.Recorder,
		logger:         logger,
		tasks:          newSupervisor(logger),
		activity:       newActivityLog(timing.LogCapacity),
		createdAt:      p.Clock.Now(),
		lifeCtx:        lifeCtx,
		lifeCancel:     lifeCancel,
		cfg:            p.Config,
		initialBalance: p.InitialBalance,
		lastBalance:    p.InitialBalance,
		state:          StateIdle,
		lastActive:     time.Now(),
	}
	s.halt, s.haltCancel = context.WithCancel(lifeCtx)
	s.watchGuard(guard)
	s.guard = guard
	return s, nil
}

func (s *Session) watchGuard(g *risk.StopLossGuard) {
	g.OnTrip(func(snap risk.StopLossSnapshot) {
		s.addLog(LogWarning, fmt.Sprintf("Stop loss triggered: balance $%.2f is below the floor $%.2f (loss %.2f%%)",
			snap.Current, snap.Floor, snap.LossPercent))
		metrics.StopLossTrips.Inc()
		s.events.PublishStopLossTriggered(s.userID, snap.Baseline, snap.Floor, snap.Current)
	})
}

// ID returns the session id carried in access tokens
func (s *Session) ID() string { return s.id }

// UserID returns the owning identity
func (s *Session) UserID() string { return s.userID }

// AccountType returns the venue account the session trades on
func (s *Session) AccountType() broker.AccountType { return s.accountType }

// Source returns the session's signal source
func (s *Session) Source() signals.Source { return s.source }

// SignalFile returns the file-backed signal source, if the session uses one
func (s *Session) SignalFile() (*signals.FileSource, bool) {
	fs, ok := s.source.(*signals.FileSource)
	return fs, ok
}

// Ledger returns the session's trade ledger
func (s *Session) Ledger() *orders.Ledger { return s.ledger }

// Config returns the current configuration
func (s *Session) Config() SessionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// IsRunning reports whether the scheduler is running
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Touch marks the session as used now
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns when the session was last used
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Logs returns up to n of the newest activity entries, oldest first
func (s *Session) Logs(n int) []LogEntry {
	return s.activity.last(n)
}

func (s *Session) stopLoss() *risk.StopLossGuard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guard
}

func (s *Session) setBalance(b float64) {
	s.mu.Lock()
	s.lastBalance = b
	s.mu.Unlock()
}

func (s *Session) addLog(level LogLevel, msg string) {
	s.activity.add(LogEntry{Timestamp: s.clock.Now(), Message: msg, Type: level})
	switch level {
	case LogError:
		s.logger.Error(msg)
	case LogWarning:
		s.logger.Warn(msg)
	default:
		s.logger.Info(msg)
	}
	s.events.PublishActivity(s.userID, string(level), msg)
}

// refreshBalance queries the venue and feeds the guard
func (s *Session) refreshBalance(ctx context.Context) (float64, bool) {
	balance, err := s.client.GetBalance(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh balance", "error", err)
		return 0, false
	}
	s.setBalance(balance)
	s.stopLoss().UpdateBalance(balance)
	s.events.PublishBalanceUpdate(s.userID, balance)
	return balance, true
}

func (s *Session) record(ctx context.Context, what string, order orders.TradeOrder, fn func(context.Context, string, orders.TradeOrder) error) {
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := fn(rctx, s.userID, order); err != nil {
		s.logger.Warn("Failed to record trade "+what, "order_id", order.ID, "error", err)
	}
}

// Start launches the signal scheduler
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	// reserve the run so concurrent starts fail while the balance is checked
	s.running = true
	guard := s.guard
	s.mu.Unlock()

	ok, balance, err := guard.CanOperateWithFreshBalance(ctx, s.client.GetBalance)
	if err != nil || !ok {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
		}
		return ErrStopLossTriggered
	}

	s.mu.Lock()
	if s.closed {
		s.running = false
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	runCtx, cancel := context.WithCancel(s.lifeCtx)
	s.renewHaltLocked()
	done := make(chan struct{})
	s.lastBalance = balance
	s.state = StateRunning
	s.runCancel = cancel
	s.runDone = done
	s.processed, s.executed, s.skipped = 0, 0, 0
	s.lastActive = time.Now()
	s.mu.Unlock()

	s.tracker.Reset()

	sched := NewScheduler(SchedulerConfig{
		Source:         s.source,
		Clock:          s.clock,
		Location:       s.timing.Location,
		PollInterval:   s.timing.PollInterval,
		ReloadInterval: s.timing.ReloadInterval,
		NoSignalGrace:  s.timing.NoSignalGrace,
		CanOperate:     func() bool { return s.stopLoss().CanOperate() },
		Dispatch:       s.processSignal,
		Report:         s.addLog,
		Preview:        s.setPreview,
		Logger:         s.logger.WithComponent("scheduler"),
	})

	s.addLog(LogInfo, fmt.Sprintf("Signal execution started at %s", s.clock.Now().In(s.timing.Location).Format("15:04:05")))
	metrics.RunningSessions.Inc()
	s.events.PublishEngineStarted(s.userID, balance)

	go func() {
		defer close(done)
		final := sched.Run(runCtx)
		s.finishRun(final)
	}()
	return nil
}

func (s *Session) finishRun(final SchedulerState) {
	s.mu.Lock()
	s.running = false
	s.state = final
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.mu.Unlock()

	metrics.RunningSessions.Dec()
	s.addLog(LogInfo, fmt.Sprintf("Signal execution finished (%s)", final))
	s.events.PublishEngineStopped(s.userID, string(final))
}

// Stop cancels the scheduler and waits for its loop to exit. Cascades already in
// flight, signal or manual, keep recording results but place no further escalations.
// The scheduler ending on its own does not halt them.
func (s *Session) Stop() {
	s.mu.Lock()
	s.haltCancel()
	if !s.running || s.runCancel == nil {
		s.mu.Unlock()
		return
	}
	// cancelled under the lock so processSignal never sees a live run with a stale epoch
	s.runCancel()
	done := s.runDone
	s.mu.Unlock()

	s.addLog(LogWarning, "Signal execution stopped manually")
	<-done
}

// renewHaltLocked starts a new stop epoch once the previous one was cancelled
func (s *Session) renewHaltLocked() {
	if s.halt.Err() != nil && !s.closed {
		s.halt, s.haltCancel = context.WithCancel(s.lifeCtx)
	}
}

// chainHalt returns the stop epoch for a chain started by the run behind runCtx.
// It fails once that run was cancelled.
func (s *Session) chainHalt(runCtx context.Context) (context.Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if runCtx.Err() != nil {
		return nil, false
	}
	return s.halt, true
}

// manualHalt returns the stop epoch for a manual chain, starting one if needed
func (s *Session) manualHalt() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewHaltLocked()
	return s.halt
}

func (s *Session) setPreview(p string) {
	s.mu.Lock()
	s.nextSignal = p
	s.mu.Unlock()
}

func (s *Session) bump(counter *int) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}

// processSignal executes one due signal. Failures only affect this signal.
func (s *Session) processSignal(runCtx context.Context, sig signals.Signal) {
	label := sig.String()

	if s.tracker.ConsumeSkipIfArmed() {
		s.bump(&s.skipped)
		s.addLog(LogWarning, fmt.Sprintf("Signal skipped after consecutive losses: %s", label))
		metrics.SignalsSkipped.WithLabelValues("loss_streak").Inc()
		s.events.PublishSignalSkipped(s.userID, label, "loss_streak")
		return
	}
	halt, ok := s.chainHalt(runCtx)
	if !ok {
		return
	}

	// broker calls use the session lifetime so a stop does not tear an in-flight order
	ctx := s.lifeCtx
	guard := s.stopLoss()
	ok, balance, err := guard.CanOperateWithFreshBalance(ctx, s.client.GetBalance)
	if err != nil {
		s.addLog(LogError, fmt.Sprintf("Balance unavailable for %s: %v", label, err))
		metrics.SignalsSkipped.WithLabelValues("broker_unavailable").Inc()
		return
	}
	s.setBalance(balance)
	if !ok {
		s.addLog(LogWarning, fmt.Sprintf("Signal skipped, stop loss triggered: %s", label))
		metrics.SignalsSkipped.WithLabelValues("stop_loss").Inc()
		s.events.PublishSignalSkipped(s.userID, label, "stop_loss")
		return
	}

	expiry, err := sig.ExpiryMinutes()
	if err != nil {
		s.addLog(LogError, fmt.Sprintf("Invalid timeframe for signal %s: %v", label, err))
		metrics.SignalsSkipped.WithLabelValues("invalid_timeframe").Inc()
		return
	}

	cfg := s.Config()
	cascade, err := NewCascade(cfg.GaleLevel, cfg.Multiplier)
	if err != nil {
		s.addLog(LogError, fmt.Sprintf("Invalid martingale settings: %v", err))
		return
	}

	amount := guard.CalculateSafeEntry(cfg.EntryMode, cfg.EntryValue)
	if amount <= 0 || balance < amount {
		s.addLog(LogError, fmt.Sprintf("Insufficient balance for %s %s: need $%.2f, available $%.2f", sig.Asset, sig.Direction, amount, balance))
		metrics.SignalsSkipped.WithLabelValues("insufficient_balance").Inc()
		return
	}

	logging.SignalContext(s.logger, sig.Asset, string(sig.Direction), sig.TimeOfDay.String()).
		Debug("Dispatching signal", "amount", amount, "expiry_minutes", expiry, "gale_level", cfg.GaleLevel)
	s.addLog(LogInfo, fmt.Sprintf("Executing signal: %s | Amount $%.2f", label, amount))
	s.bump(&s.processed)

	origin := sig
	order, err := s.place(ctx, placement{
		asset:         sig.Asset,
		direction:     sig.Direction,
		amount:        amount,
		expiryMinutes: expiry,
		source:        orders.SourceSignal,
		signal:        &origin,
	})
	if err != nil {
		s.addLog(LogError, fmt.Sprintf("Failed to execute signal %s %s: %v", sig.Asset, sig.Direction, err))
		return
	}
	s.bump(&s.executed)
	s.events.Publish(events.Event{
		Type:   events.EventSignalDispatched,
		UserID: s.userID,
		Data:   map[string]interface{}{"signal": label, "order_id": order.ID},
	})

	s.launchChain(order, chain{cascade: cascade, halt: halt, signal: &origin})
}

// placement describes an order about to be sent to the venue
type placement struct {
	asset         string
	direction     signals.Direction
	amount        float64
	expiryMinutes int
	level         int
	parentID      string
	source        orders.Source
	signal        *signals.Signal
}

// place sends the order and records it in the ledger
func (s *Session) place(ctx context.Context, p placement) (orders.TradeOrder, error) {
	accepted, id, err := s.client.PlaceOrder(ctx, broker.OrderRequest{
		Asset:         p.asset,
		Direction:     p.direction,
		Amount:        p.amount,
		ExpiryMinutes: p.expiryMinutes,
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("broker_error").Inc()
		return orders.TradeOrder{}, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	if !accepted {
		metrics.OrdersRejected.WithLabelValues("refused").Inc()
		return orders.TradeOrder{}, fmt.Errorf("%w: %s %s $%.2f", ErrBrokerRejected, p.asset, p.direction, p.amount)
	}

	order := orders.TradeOrder{
		ID:              id,
		Asset:           p.asset,
		Direction:       p.direction,
		Amount:          p.amount,
		ExpiryMinutes:   p.expiryMinutes,
		CreatedAt:       s.clock.Now(),
		Status:          orders.StatusPending,
		MartingaleLevel: p.level,
		ParentOrderID:   p.parentID,
		Source:          p.source,
		OriginSignal:    p.signal,
	}
	if err := s.ledger.Append(order); err != nil {
		s.logger.Error("Failed to add order to ledger", "order_id", id, "error", err)
	}

	metrics.OrdersPlaced.WithLabelValues(string(p.source)).Inc()
	s.events.PublishOrderPlaced(s.userID, id, p.asset, string(p.direction), p.amount, p.level)
	s.record(ctx, "placement", order, s.recorder.RecordPlacement)
	s.refreshBalance(ctx)
	return order, nil
}

// ManualTrade is a user-initiated order
type ManualTrade struct {
	Asset         string  `json:"asset"`
	Direction     string  `json:"direction"`
	Amount        float64 `json:"amount"`
	ExpiryMinutes int     `json:"expiry"`
}

// PlaceManualTrade places an order outside the signal schedule. It follows the same
// martingale rules as signal orders.
func (s *Session) PlaceManualTrade(ctx context.Context, t ManualTrade) (orders.TradeOrder, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return orders.TradeOrder{}, ErrNotAuthenticated
	}

	dir, err := signals.ParseDirection(t.Direction)
	if err != nil {
		return orders.TradeOrder{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if t.Asset == "" {
		return orders.TradeOrder{}, fmt.Errorf("%w: asset is required", ErrInvalidConfig)
	}
	if !(t.Amount > 0) || math.IsInf(t.Amount, 0) {
		return orders.TradeOrder{}, fmt.Errorf("%w: amount must be positive", ErrInvalidConfig)
	}
	if t.ExpiryMinutes == 0 {
		t.ExpiryMinutes = DefaultManualExpiry
	}
	if t.ExpiryMinutes < 0 {
		return orders.TradeOrder{}, fmt.Errorf("%w: expiry must be positive", ErrInvalidConfig)
	}

	cfg := s.Config()
	cascade, err := NewCascade(cfg.GaleLevel, cfg.Multiplier)
	if err != nil {
		return orders.TradeOrder{}, err
	}

	ok, balance, err := s.stopLoss().CanOperateWithFreshBalance(ctx, s.client.GetBalance)
	if err != nil {
		return orders.TradeOrder{}, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	s.setBalance(balance)
	if !ok {
		return orders.TradeOrder{}, ErrStopLossTriggered
	}
	if balance < t.Amount {
		return orders.TradeOrder{}, fmt.Errorf("%w: need $%.2f, available $%.2f", ErrInsufficientBalance, t.Amount, balance)
	}

	halt := s.manualHalt()
	order, err := s.place(s.lifeCtx, placement{
		asset:         t.Asset,
		direction:     dir,
		amount:        t.Amount,
		expiryMinutes: t.ExpiryMinutes,
		source:        orders.SourceManual,
	})
	if err != nil {
		s.addLog(LogError, fmt.Sprintf("Manual trade failed: %v", err))
		return orders.TradeOrder{}, err
	}
	s.addLog(LogSuccess, fmt.Sprintf("Manual trade placed: %s %s $%.2f (%d min)", order.Asset, order.Direction, order.Amount, order.ExpiryMinutes))
	s.Touch()

	s.launchChain(order, chain{cascade: cascade, halt: halt})
	return order, nil
}

// CheckTrade queries the venue once for a pending order and records a final result
func (s *Session) CheckTrade(ctx context.Context, orderID string) (orders.TradeOrder, error) {
	order, ok := s.ledger.Get(orderID)
	if !ok {
		return orders.TradeOrder{}, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	res, err := s.client.CheckResult(ctx, orderID)
	if errors.Is(err, broker.ErrNotYetSettled) {
		return order, nil
	}
	if err != nil {
		return orders.TradeOrder{}, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	s.ledger.UpdateStatus(orderID, statusFromOutcome(res.Outcome), res.Profit)
	s.refreshBalance(ctx)
	updated, _ := s.ledger.Get(orderID)
	return updated, nil
}

// UpdateConfig applies a partial change. The stop-loss threshold only changes while
// the scheduler is stopped and the guard has not tripped.
func (s *Session) UpdateConfig(u ConfigUpdate) (SessionConfig, error) {
	s.mu.Lock()
	next := s.cfg
	if u.StopLossPercent != nil {
		next.StopLossPercent = *u.StopLossPercent
	}
	if u.EntryMode != nil {
		mode, err := risk.ParseEntryMode(*u.EntryMode)
		if err != nil {
			s.mu.Unlock()
			return SessionConfig{}, err
		}
		next.EntryMode = mode
	}
	if u.EntryValue != nil {
		next.EntryValue = *u.EntryValue
	}
	if u.GaleLevel != nil {
		next.GaleLevel = *u.GaleLevel
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return SessionConfig{}, err
	}

	var replaced *risk.StopLossGuard
	if next.StopLossPercent != s.cfg.StopLossPercent {
		if s.running {
			s.mu.Unlock()
			return SessionConfig{}, fmt.Errorf("%w: stop loss can only change while execution is stopped", ErrAlreadyRunning)
		}
		g, err := s.guard.WithThreshold(next.StopLossPercent)
		if errors.Is(err, risk.ErrTriggered) {
			s.mu.Unlock()
			return SessionConfig{}, ErrStopLossTriggered
		}
		if err != nil {
			s.mu.Unlock()
			return SessionConfig{}, err
		}
		replaced = g
	}
	if replaced != nil {
		s.watchGuard(replaced)
		s.guard = replaced
	}
	s.cfg = next
	s.mu.Unlock()

	s.addLog(LogSuccess, "Settings updated")
	return next, nil
}

// Status is a point-in-time view of the session
type Status struct {
	SessionID        string                  `json:"session_id"`
	UserID           string                  `json:"user_id"`
	AccountType      broker.AccountType      `json:"account_type"`
	Running          bool                    `json:"running"`
	State            SchedulerState          `json:"state"`
	ProcessedSignals int                     `json:"processed_signals"`
	ExecutedSignals  int                     `json:"executed_signals"`
	SkippedSignals   int                     `json:"skipped_signals"`
	NextSignal       string                  `json:"next_signal"`
	Logs             []LogEntry              `json:"logs"`
	Trades           []orders.View           `json:"trades"`
	Balance          float64                 `json:"balance"`
	InitialBalance   float64                 `json:"initial_balance"`
	Variation        float64                 `json:"variation"`
	VariationPercent float64                 `json:"variation_percent"`
	StopLoss         risk.StopLossSnapshot   `json:"stop_loss_status"`
	LossStreak       risk.LossStreakSnapshot `json:"loss_streak"`
	Config           SessionConfig           `json:"config"`
}

// Status returns the session state. With fresh set the balance is re-queried first;
// a failed query falls back to the last known balance.
func (s *Session) Status(ctx context.Context, fresh bool) Status {
	if fresh {
		s.refreshBalance(ctx)
	}

	trades := s.ledger.Recent(s.timing.LedgerCapacity)
	views := make([]orders.View, len(trades))
	for i, t := range trades {
		views[i] = t.ToView()
	}

	s.mu.RLock()
	st := Status{
		SessionID:        s.id,
		UserID:           s.userID,
		AccountType:      s.accountType,
		Running:          s.running,
		State:            s.state,
		ProcessedSignals: s.processed,
		ExecutedSignals:  s.executed,
		SkippedSignals:   s.skipped,
		NextSignal:       s.nextSignal,
		Trades:           views,
		Balance:          s.lastBalance,
		InitialBalance:   s.initialBalance,
		Config:           s.cfg,
	}
	guard := s.guard
	s.mu.RUnlock()

	st.Variation = st.Balance - st.InitialBalance
	if st.InitialBalance > 0 {
		st.VariationPercent = st.Variation / st.InitialBalance * 100
	}
	st.StopLoss = guard.Snapshot()
	st.LossStreak = s.tracker.Snapshot()
	st.Logs = s.activity.last(s.timing.LogCapacity)
	return st
}

// Retire stops the session for good while letting cascades in flight settle their
// open orders. It reports whether this call retired it.
func (s *Session) Retire() bool {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.haltCancel()
	return true
}

// Close retires the session and releases its broker client. Pending result waits
// are abandoned.
func (s *Session) Close() error {
	s.Retire()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()

	s.lifeCancel()
	s.addLog(LogInfo, "Session closed")
	return s.client.Close()
}

// Wait blocks until the session's cascades finish or timeout elapses
func (s *Session) Wait(timeout time.Duration) bool {
	return s.tasks.Wait(timeout)
}

// PendingChains returns the number of cascades still running
func (s *Session) PendingChains() int {
	return s.tasks.Active()
}
