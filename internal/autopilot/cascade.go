package autopilot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/broker"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/metrics"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/orders"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

const (
	// DefaultMultiplier scales the stake of each martingale escalation
	DefaultMultiplier = 2.15
	// MaxGaleLevel is the deepest escalation a chain may reach
	MaxGaleLevel = 2
)

// TransitionKind is what a chain does after an order settles
type TransitionKind int

const (
	// TransitionAwait means the order has no result yet
	TransitionAwait TransitionKind = iota
	// TransitionResolve means the chain is finished
	TransitionResolve
	// TransitionEscalate means a larger order must be placed at the next level
	TransitionEscalate
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionResolve:
		return "resolve"
	case TransitionEscalate:
		return "escalate"
	default:
		return "await"
	}
}

// Transition is the outcome of applying a settled order to its chain
type Transition struct {
	Kind       TransitionKind
	Final      orders.Status // set for TransitionResolve
	NextLevel  int           // set for TransitionEscalate
	NextAmount float64       // set for TransitionEscalate
}

// Cascade holds the martingale rules for one chain
type Cascade struct {
	galeLevel  int
	multiplier decimal.Decimal
}

// NewCascade validates galeLevel and multiplier
func NewCascade(galeLevel int, multiplier float64) (Cascade, error) {
	if galeLevel < 0 || galeLevel > MaxGaleLevel {
		return Cascade{}, fmt.Errorf("%w: gale level must be between 0 and %d, got %d", ErrInvalidConfig, MaxGaleLevel, galeLevel)
	}
	if !(multiplier > 1) {
		return Cascade{}, fmt.Errorf("%w: martingale multiplier must be greater than 1, got %v", ErrInvalidConfig, multiplier)
	}
	return Cascade{galeLevel: galeLevel, multiplier: decimal.NewFromFloat(multiplier)}, nil
}

// GaleLevel returns the deepest level this cascade escalates to
func (c Cascade) GaleLevel() int {
	return c.galeLevel
}

// NextAmount returns the stake for the level after one staked at amount
func (c Cascade) NextAmount(amount float64) float64 {
	return decimal.NewFromFloat(amount).Mul(c.multiplier).InexactFloat64()
}

// Apply decides what follows the settled order. It has no side effects.
func (c Cascade) Apply(order orders.TradeOrder) Transition {
	switch {
	case !order.Status.IsTerminal():
		return Transition{Kind: TransitionAwait}
	case order.Status != orders.StatusLoss:
		return Transition{Kind: TransitionResolve, Final: order.Status}
	case order.MartingaleLevel >= c.galeLevel:
		return Transition{Kind: TransitionResolve, Final: orders.StatusLoss}
	default:
		return Transition{
			Kind:       TransitionEscalate,
			NextLevel:  order.MartingaleLevel + 1,
			NextAmount: c.NextAmount(order.Amount),
		}
	}
}

// chain carries one martingale chain from its root order to resolution
type chain struct {
	cascade Cascade
	// halt is done once the chain may no longer escalate
	halt   context.Context
	signal *signals.Signal
}

func (s *Session) launchChain(root orders.TradeOrder, c chain) {
	s.tasks.Go("chain:"+root.ID, func() {
		s.runChain(root, c)
	})
}

// runChain waits for each order of the chain, records its result and escalates
// until the cascade resolves. One goroutine drives the whole chain.
func (s *Session) runChain(order orders.TradeOrder, c chain) {
	ctx := s.lifeCtx
	for {
		logger := logging.OrderContext(s.logger, order.ID, order.Asset, string(order.Direction), order.MartingaleLevel).
			WithField("root_order_id", order.RootID())
		wait := time.Duration(order.ExpiryMinutes)*time.Minute + s.timing.ResultGrace
		if err := s.clock.Sleep(ctx, wait); err != nil {
			logger.Warn("Result wait abandoned", "error", err)
			return
		}

		settled, ok := s.settle(ctx, order)
		if !ok {
			return
		}
		order = settled

		tr := c.cascade.Apply(order)
		switch tr.Kind {
		case TransitionResolve:
			s.resolveChain(order, tr.Final)
			return
		case TransitionEscalate:
			next, err := s.escalate(ctx, order, tr, c)
			if err != nil {
				s.addLog(LogWarning, fmt.Sprintf("Martingale level %d not placed for %s: %v", tr.NextLevel, order.Asset, err))
				s.resolveChain(order, orders.StatusLoss)
				return
			}
			order = next
		default:
			logger.Error("Settled order is not terminal", "status", string(order.Status))
			return
		}
	}
}

// settle queries the order's result once and records it. It returns false when the
// result could not be obtained; the order then stays pending.
func (s *Session) settle(ctx context.Context, order orders.TradeOrder) (orders.TradeOrder, bool) {
	res, err := s.client.CheckResult(ctx, order.ID)
	if err != nil {
		s.addLog(LogError, fmt.Sprintf("Error checking result of order %s: %v", order.ID, err))
		return order, false
	}

	status := statusFromOutcome(res.Outcome)
	profit := res.Profit
	if !s.ledger.UpdateStatus(order.ID, status, profit) {
		// a manual check may have recorded it first
		if stored, ok := s.ledger.Get(order.ID); ok && stored.Status.IsTerminal() {
			status, profit = stored.Status, stored.Profit
		}
	}

	order.Status = status
	order.Profit = profit
	order.ResolvedAt = s.clock.Now()

	s.reportResult(ctx, order)
	s.refreshBalance(ctx)
	return order, true
}

func (s *Session) reportResult(ctx context.Context, order orders.TradeOrder) {
	label := fmt.Sprintf("%s %s", order.Asset, order.Direction)
	if order.MartingaleLevel > 0 {
		label = fmt.Sprintf("%s (gale %d)", label, order.MartingaleLevel)
	}
	switch order.Status {
	case orders.StatusWin:
		s.addLog(LogSuccess, fmt.Sprintf("WIN on %s: profit $%.2f", label, order.Profit))
	case orders.StatusLoss:
		s.addLog(LogWarning, fmt.Sprintf("LOSS on %s: $%.2f", label, order.Profit))
	default:
		s.addLog(LogInfo, fmt.Sprintf("EQUAL on %s: stake returned", label))
	}

	metrics.TradeResults.WithLabelValues(string(order.Status)).Inc()
	s.events.PublishOrderResolved(s.userID, order.ID, string(order.Status), order.Profit, order.MartingaleLevel)
	s.record(ctx, "resolution", order, s.recorder.RecordResolution)
}

// escalate places the next level of the chain after re-checking every gate
func (s *Session) escalate(ctx context.Context, prev orders.TradeOrder, tr Transition, c chain) (orders.TradeOrder, error) {
	if c.halt.Err() != nil {
		return orders.TradeOrder{}, ErrStopped
	}

	ok, balance, err := s.stopLoss().CanOperateWithFreshBalance(ctx, s.client.GetBalance)
	if err != nil {
		return orders.TradeOrder{}, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	s.setBalance(balance)
	if !ok {
		return orders.TradeOrder{}, ErrStopLossTriggered
	}
	if balance < tr.NextAmount {
		return orders.TradeOrder{}, fmt.Errorf("%w: need $%.2f, available $%.2f", ErrInsufficientBalance, tr.NextAmount, balance)
	}

	s.addLog(LogInfo, fmt.Sprintf("Martingale level %d on %s %s | Amount $%.2f", tr.NextLevel, prev.Asset, prev.Direction, tr.NextAmount))
	return s.place(ctx, placement{
		asset:         prev.Asset,
		direction:     prev.Direction,
		amount:        tr.NextAmount,
		expiryMinutes: prev.ExpiryMinutes,
		level:         tr.NextLevel,
		parentID:      prev.RootID(),
		source:        orders.SourceMartingale,
		signal:        c.signal,
	})
}

// resolveChain reports the chain's final outcome to the loss streak tracker
func (s *Session) resolveChain(last orders.TradeOrder, final orders.Status) {
	before := s.tracker.Snapshot()
	armed, err := s.tracker.Observe(final)
	if err != nil {
		s.logger.Error("Chain resolved with a non-terminal outcome", "root_order_id", last.RootID(), "status", string(final))
		return
	}
	after := s.tracker.Snapshot()

	if final == orders.StatusLoss {
		s.addLog(LogWarning, fmt.Sprintf("Full LOSS on %s. Consecutive losses: %d", last.Asset, after.ConsecutiveLosses))
		if armed {
			s.addLog(LogWarning, fmt.Sprintf("%d consecutive losses, the next %d signals will be skipped", after.ConsecutiveLosses, after.SkipRemaining))
		}
	} else if before.ConsecutiveLosses > 0 {
		s.addLog(LogInfo, "WIN or EQUAL detected, loss counter reset")
	}

	metrics.ChainsResolved.WithLabelValues(string(final)).Inc()
	s.events.PublishChainResolved(s.userID, last.RootID(), string(final), last.MartingaleLevel+1)
}

func statusFromOutcome(o broker.Outcome) orders.Status {
	switch o {
	case broker.OutcomeWin:
		return orders.StatusWin
	case broker.OutcomeLoose:
		return orders.StatusLoss
	default:
		return orders.StatusEqual
	}
}
