package orders

import (
	"errors"
	"sync"
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
)

// Ledger errors
var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrEmptyOrderID    = errors.New("order ID cannot be empty")
	ErrAlreadyResolved = errors.New("order already has a terminal status")
	ErrInvalidStatus   = errors.New("invalid order status")
)

// DefaultLedgerCapacity is how many orders a ledger keeps
const DefaultLedgerCapacity = 50

// Ledger is a bounded, most-recent-first collection of trade orders.
// It is written by the scheduler and by cascade tasks concurrently.
type Ledger struct {
	mu       sync.RWMutex
	entries  []*TradeOrder // newest first
	index    map[string]*TradeOrder
	capacity int
	logger   *logging.Logger
}

// NewLedger creates a ledger holding at most capacity orders
func NewLedger(capacity int, logger *logging.Logger) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{
		entries:  make([]*TradeOrder, 0, capacity),
		index:    make(map[string]*TradeOrder, capacity),
		capacity: capacity,
		logger:   logger.WithComponent("ledger"),
	}
}

// Append inserts order at the front, evicting the oldest entries past capacity
func (l *Ledger) Append(order TradeOrder) error {
	if order.ID == "" {
		return ErrEmptyOrderID
	}
	if order.Status == "" {
		order.Status = StatusPending
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[order.ID]; exists {
		l.removeLocked(order.ID)
	}

	stored := order
	l.entries = append(l.entries, nil)
	copy(l.entries[1:], l.entries)
	l.entries[0] = &stored
	l.index[order.ID] = &stored

	for len(l.entries) > l.capacity {
		evicted := l.entries[len(l.entries)-1]
		l.entries = l.entries[:len(l.entries)-1]
		delete(l.index, evicted.ID)
	}
	return nil
}

func (l *Ledger) removeLocked(id string) {
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	delete(l.index, id)
}

// UpdateStatus applies the terminal result of an order. It reports whether the update
// was applied: unknown or evicted ids and already-resolved orders are logged and skipped.
func (l *Ledger) UpdateStatus(id string, status Status, profit float64) bool {
	if !status.IsTerminal() {
		l.logger.Warn("Refusing non-terminal status update", "order_id", id, "status", string(status))
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.index[id]
	if !ok {
		l.logger.Debug("Status update for unknown order ignored", "order_id", id, "status", string(status))
		return false
	}
	if order.Status.IsTerminal() {
		l.logger.Warn("Order already resolved, ignoring second result",
			"order_id", id, "current", string(order.Status), "attempted", string(status))
		return false
	}

	order.Status = status
	order.Profit = profit
	order.ResolvedAt = time.Now()
	return true
}

// Get returns a copy of the order with id
func (l *Ledger) Get(id string) (TradeOrder, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	order, ok := l.index[id]
	if !ok {
		return TradeOrder{}, false
	}
	return *order, true
}

// FindRoot returns the level-0 order of id's chain
func (l *Ledger) FindRoot(id string) (TradeOrder, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	order, ok := l.index[id]
	if !ok {
		return TradeOrder{}, ErrOrderNotFound
	}
	// bounded walk in case a parent link loops
	for steps := 0; order.ParentOrderID != "" && steps <= len(l.entries); steps++ {
		parent, ok := l.index[order.ParentOrderID]
		if !ok {
			return TradeOrder{}, ErrOrderNotFound
		}
		order = parent
	}
	if order.ParentOrderID != "" {
		return TradeOrder{}, ErrOrderNotFound
	}
	return *order, nil
}

// Chain returns the retained orders of rootID's chain ordered by martingale level
func (l *Ledger) Chain(rootID string) []TradeOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var chain []TradeOrder
	// entries are newest first, walk backwards for level order
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.ID == rootID || e.ParentOrderID == rootID {
			chain = append(chain, *e)
		}
	}
	return chain
}

// ListFor returns copies of the retained orders among ids, in the order given
func (l *Ledger) ListFor(ids []string) []TradeOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]TradeOrder, 0, len(ids))
	for _, id := range ids {
		if order, ok := l.index[id]; ok {
			out = append(out, *order)
		}
	}
	return out
}

// Recent returns up to n orders, newest first. n <= 0 returns all.
func (l *Ledger) Recent(n int) []TradeOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]TradeOrder, n)
	for i := 0; i < n; i++ {
		out[i] = *l.entries[i]
	}
	return out
}

// Pending returns the retained orders still awaiting a result
func (l *Ledger) Pending() []TradeOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []TradeOrder
	for _, e := range l.entries {
		if e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	return out
}

// Len returns the number of retained orders
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Capacity returns the retention limit
func (l *Ledger) Capacity() int {
	return l.capacity
}
