package autopilot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/broker"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/events"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/risk"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

// RegistryConfig holds the settings shared by every session
type RegistryConfig struct {
	Engine          config.EngineConfig
	SignalsDir      string
	IdleTimeout     time.Duration // close non-running sessions idle for this long
	CleanupInterval time.Duration // how often to look for idle sessions
	DrainTimeout    time.Duration // how long a replaced session may settle open orders
}

// Registry keeps one Session per authenticated identity
type Registry struct {
	sessions sync.Map // map[userID string] -> *Session
	retiring sync.Map // map[*Session] -> struct{}, replaced but still settling

	brokers  *broker.Factory
	cfg      RegistryConfig
	defaults SessionConfig
	timing   Timing
	clock    Clock
	events   *events.EventBus
	recorder TradeRecorder
	logger   *logging.Logger

	openMu sync.Mutex

	cleanupStop chan struct{}
	cleanupWg   sync.WaitGroup
	stopOnce    sync.Once
}

// RegistryOption customises a Registry
type RegistryOption func(*Registry)

// WithClock replaces the wall clock used by new sessions
func WithClock(c Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithEventBus publishes session events on bus
func WithEventBus(bus *events.EventBus) RegistryOption {
	return func(r *Registry) { r.events = bus }
}

// WithRecorder keeps an audit trail of every session's orders
func WithRecorder(rec TradeRecorder) RegistryOption {
	return func(r *Registry) { r.recorder = rec }
}

// WithLogger sets the registry logger
func WithLogger(l *logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// DefaultSessionConfig converts engine defaults into a session configuration
func DefaultSessionConfig(e config.EngineConfig) (SessionConfig, error) {
	mode, err := risk.ParseEntryMode(e.EntryMode)
	if err != nil {
		return SessionConfig{}, err
	}
	cfg := SessionConfig{
		StopLossPercent: e.StopLossPercent,
		EntryMode:       mode,
		EntryValue:      e.EntryValue,
		GaleLevel:       e.GaleLevel,
		Multiplier:      e.Multiplier,
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	return cfg, cfg.Validate()
}

// TimingFromConfig extracts loop timings from engine settings
func TimingFromConfig(e config.EngineConfig) Timing {
	return Timing{
		PollInterval:   e.PollInterval,
		ReloadInterval: e.ReloadInterval,
		ResultGrace:    e.ResultGrace,
		NoSignalGrace:  e.NoSignalGrace,
		LedgerCapacity: e.LedgerCapacity,
		LogCapacity:    e.LogCapacity,
		Location:       e.Location(),
	}.withDefaults()
}

// NewRegistry creates a registry and starts its idle-session cleanup loop
func NewRegistry(cfg RegistryConfig, brokers *broker.Factory, opts ...RegistryOption) (*Registry, error) {
	if brokers == nil {
		return nil, fmt.Errorf("broker factory is required")
	}
	defaults, err := DefaultSessionConfig(cfg.Engine)
	if err != nil {
		return nil, err
	}
	if cfg.SignalsDir == "" {
		cfg.SignalsDir = "signals"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Hour
	}

	r := &Registry{
		brokers:     brokers,
		cfg:         cfg,
		defaults:    defaults,
		timing:      TimingFromConfig(cfg.Engine),
		clock:       SystemClock{},
		cleanupStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Default()
	}
	r.logger = r.logger.WithComponent("registry")

	r.cleanupWg.Add(1)
	go r.cleanupLoop()
	return r, nil
}

// SignalPath returns the signal file used by userID
func (r *Registry) SignalPath(userID string) string {
	return filepath.Join(r.cfg.SignalsDir, safeFileName(userID)+".txt")
}

func safeFileName(userID string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(userID) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// Open logs creds into the venue and creates the identity's session. An existing
// session for the same identity is retired and its settings carried over; its open
// orders still settle before it is closed.
func (r *Registry) Open(ctx context.Context, creds broker.Credentials) (*Session, error) {
	userID := broker.NormalizeUserID(creds.Email)
	if userID == "" {
		return nil, fmt.Errorf("%w: email is required", broker.ErrInvalidCredentials)
	}
	accountType, err := broker.ParseAccountType(string(creds.AccountType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	creds.AccountType = accountType

	r.openMu.Lock()
	defer r.openMu.Unlock()

	client, err := r.brokers.Login(ctx, userID, creds)
	if err != nil {
		r.logger.Warn("Broker login failed", "user_id", userID, "error", err)
		return nil, err
	}

	balance, err := client.GetBalance(ctx)
	if err != nil {
		r.brokers.Release(ctx, userID, false)
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	cfg := r.defaults
	if prev, ok := r.sessions.Load(userID); ok {
		cfg = prev.(*Session).Config()
	}

	sess, err := NewSession(SessionParams{
		UserID:         userID,
		AccountType:    accountType,
		Client:         client,
		Source:         signals.NewFileSource(r.SignalPath(userID)),
		InitialBalance: balance,
		Config:         cfg,
		Timing:         r.timing,
		Clock:          r.clock,
		Events:         r.events,
		Recorder:       r.recorder,
		Logger:         r.logger,
	})
	if err != nil {
		r.brokers.Release(ctx, userID, false)
		return nil, err
	}

	if prev, loaded := r.sessions.Swap(userID, sess); loaded {
		r.logger.Info("Replacing existing session", "user_id", userID)
		r.retire(prev.(*Session))
	}

	sess.addLog(LogSuccess, "Login successful")
	r.events.Publish(events.Event{
		Type:   events.EventSessionOpened,
		UserID: userID,
		Data: map[string]interface{}{
			"session_id":   sess.ID(),
			"account_type": string(accountType),
			"balance":      balance,
		},
	})
	r.logger.Info("Session opened", "user_id", userID, "session_id", sess.ID(), "account_type", string(accountType))
	return sess, nil
}

// retire stops a replaced session and closes it once its chains have settled
func (r *Registry) retire(sess *Session) {
	if !sess.Retire() {
		return
	}
	pending := sess.PendingChains()
	if pending == 0 {
		sess.Close()
		return
	}
	sess.addLog(LogWarning, fmt.Sprintf("Session replaced by a new login, settling %d open trade(s)", pending))
	r.retiring.Store(sess, struct{}{})
	go func() {
		defer r.retiring.Delete(sess)
		if !sess.Wait(r.cfg.DrainTimeout) {
			r.logger.Warn("Abandoning open chains of replaced session", "user_id", sess.UserID(), "session_id", sess.ID(), "pending", sess.PendingChains())
		}
		sess.Close()
	}()
}

// Get returns userID's session
func (r *Registry) Get(userID string) (*Session, error) {
	v, ok := r.sessions.Load(userID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess := v.(*Session)
	sess.Touch()
	return sess, nil
}

// Lookup returns userID's session only if it is the one identified by sessionID
func (r *Registry) Lookup(userID, sessionID string) (*Session, error) {
	v, ok := r.sessions.Load(userID)
	if !ok || v.(*Session).ID() != sessionID {
		return nil, ErrSessionNotFound
	}
	sess := v.(*Session)
	sess.Touch()
	return sess, nil
}

// Destroy stops and closes userID's session and forgets its broker credentials
func (r *Registry) Destroy(ctx context.Context, userID string) error {
	v, ok := r.sessions.LoadAndDelete(userID)
	if !ok {
		return ErrSessionNotFound
	}
	sess := v.(*Session)
	if err := sess.Close(); err != nil {
		r.logger.Warn("Error closing broker session", "user_id", userID, "error", err)
	}
	r.brokers.Release(ctx, userID, true)
	r.events.PublishUserLogout(userID)
	r.logger.Info("Session destroyed", "user_id", userID, "session_id", sess.ID())
	return nil
}

// Count returns the number of open sessions
func (r *Registry) Count() int {
	count := 0
	r.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// RunningCount returns the number of sessions executing signals
func (r *Registry) RunningCount() int {
	count := 0
	r.sessions.Range(func(_, value any) bool {
		if value.(*Session).IsRunning() {
			count++
		}
		return true
	})
	return count
}

// cleanupLoop periodically removes idle sessions
func (r *Registry) cleanupLoop() {
	defer r.cleanupWg.Done()

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanupIdleSessions(time.Now())
		case <-r.cleanupStop:
			return
		}
	}
}

// cleanupIdleSessions closes sessions that are not running, have no open chains and
// were not used within the idle timeout
func (r *Registry) cleanupIdleSessions(now time.Time) int {
	var toRemove []string
	r.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		if !sess.IsRunning() && sess.PendingChains() == 0 && now.Sub(sess.LastActive()) > r.cfg.IdleTimeout {
			toRemove = append(toRemove, key.(string))
		}
		return true
	})

	for _, userID := range toRemove {
		r.logger.Info("Cleaning up idle session", "user_id", userID)
		r.Destroy(context.Background(), userID)
	}
	return len(toRemove)
}

// Shutdown stops every session, waits up to timeout for open chains and closes them
func (r *Registry) Shutdown(timeout time.Duration) {
	r.logger.Info("Shutting down session registry")
	r.stopOnce.Do(func() { close(r.cleanupStop) })
	r.cleanupWg.Wait()

	var all []*Session
	r.sessions.Range(func(_, value any) bool {
		all = append(all, value.(*Session))
		return true
	})
	r.retiring.Range(func(key, _ any) bool {
		all = append(all, key.(*Session))
		return true
	})

	for _, sess := range all {
		sess.Stop()
	}

	deadline := time.Now().Add(timeout)
	for _, sess := range all {
		remaining := time.Until(deadline)
		if remaining <= 0 || !sess.Wait(remaining) {
			r.logger.Warn("Abandoning open chains on shutdown", "user_id", sess.UserID(), "pending", sess.PendingChains())
		}
		sess.Close()
		r.sessions.CompareAndDelete(sess.UserID(), sess)
	}
	r.logger.Info("Session registry shutdown complete")
}
