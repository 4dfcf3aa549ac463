package broker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutcomeFunc decides how a paper order settles
type OutcomeFunc func(req OrderRequest) Outcome

type paperOrder struct {
	req      OrderRequest
	placedAt time.Time
	settleAt time.Time
	result   *Result
}

// PaperClient simulates a venue account: orders debit the stake immediately and
// settle once their expiry has passed.
type PaperClient struct {
	mu      sync.Mutex
	balance float64
	payout  float64
	now     func() time.Time
	decide  OutcomeFunc
	orders  map[string]*paperOrder
	closed  bool
}

// PaperOption configures a PaperClient
type PaperOption func(*PaperClient)

// WithPayout sets the profit ratio paid on a win
func WithPayout(p float64) PaperOption {
	return func(c *PaperClient) { c.payout = p }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) PaperOption {
	return func(c *PaperClient) { c.now = now }
}

// WithOutcomes replaces the random outcome source
func WithOutcomes(fn OutcomeFunc) PaperOption {
	return func(c *PaperClient) { c.decide = fn }
}

// WithScriptedOutcomes settles orders with the given outcomes in placement order,
// then falls back to loss
func WithScriptedOutcomes(outcomes ...Outcome) PaperOption {
	var mu sync.Mutex
	queue := append([]Outcome(nil), outcomes...)
	return WithOutcomes(func(OrderRequest) Outcome {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			return OutcomeLoose
		}
		next := queue[0]
		queue = queue[1:]
		return next
	})
}

// NewPaperClient creates a simulated account holding startingBalance
func NewPaperClient(startingBalance float64, opts ...PaperOption) *PaperClient {
	c := &PaperClient{
		balance: startingBalance,
		payout:  0.87,
		now:     time.Now,
		orders:  make(map[string]*paperOrder),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.decide == nil {
		c.decide = randomOutcome()
	}
	return c
}

func randomOutcome() OutcomeFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(OrderRequest) Outcome {
		mu.Lock()
		defer mu.Unlock()
		switch n := rng.Intn(100); {
		case n < 48:
			return OutcomeWin
		case n < 96:
			return OutcomeLoose
		default:
			return OutcomeEqual
		}
	}
}

// GetBalance implements Client
func (c *PaperClient) GetBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("%w: session closed", ErrConnection)
	}
	c.settleDueLocked()
	return c.balance, nil
}

// PlaceOrder implements Client
func (c *PaperClient) PlaceOrder(ctx context.Context, req OrderRequest) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := req.Validate(); err != nil {
		return false, "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, "", fmt.Errorf("%w: session closed", ErrConnection)
	}
	if req.Amount > c.balance {
		return false, "", nil
	}

	id := uuid.New().String()
	placed := c.now()
	c.balance -= req.Amount
	c.orders[id] = &paperOrder{
		req:      req,
		placedAt: placed,
		settleAt: placed.Add(time.Duration(req.ExpiryMinutes) * time.Minute),
	}
	return true, id, nil
}

// CheckResult implements Client
func (c *PaperClient) CheckResult(ctx context.Context, orderID string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, fmt.Errorf("%w: session closed", ErrConnection)
	}
	order, ok := c.orders[orderID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if order.result == nil && c.now().Before(order.settleAt) {
		return Result{}, ErrNotYetSettled
	}
	c.settleLocked(order)
	return *order.result, nil
}

func (c *PaperClient) settleDueLocked() {
	now := c.now()
	for _, o := range c.orders {
		if o.result == nil && !now.Before(o.settleAt) {
			c.settleLocked(o)
		}
	}
}

func (c *PaperClient) settleLocked(o *paperOrder) {
	if o.result != nil {
		return
	}
	outcome := c.decide(o.req)
	res := Result{Outcome: outcome}
	switch outcome {
	case OutcomeWin:
		res.Profit = o.req.Amount * c.payout
		c.balance += o.req.Amount + res.Profit
	case OutcomeEqual:
		c.balance += o.req.Amount
	default:
		res.Outcome = OutcomeLoose
		res.Profit = -o.req.Amount
	}
	o.result = &res
}

// SetBalance overrides the simulated balance
func (c *PaperClient) SetBalance(b float64) {
	c.mu.Lock()
	c.balance = b
	c.mu.Unlock()
}

// Close implements Client
func (c *PaperClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// PaperConnector hands out paper accounts, one per email, kept across logins
type PaperConnector struct {
	StartingBalance float64
	Payout          float64
	Clock           func() time.Time

	mu       sync.Mutex
	balances map[string]float64
}

// Connect implements Connector
func (p *PaperConnector) Connect(ctx context.Context, creds Credentials) (Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(creds.Email)) + "/" + string(creds.AccountType)

	p.mu.Lock()
	if p.balances == nil {
		p.balances = make(map[string]float64)
	}
	balance, ok := p.balances[key]
	if !ok {
		balance = p.StartingBalance
	}
	p.mu.Unlock()

	opts := []PaperOption{}
	if p.Payout > 0 {
		opts = append(opts, WithPayout(p.Payout))
	}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	return &trackedPaperClient{PaperClient: NewPaperClient(balance, opts...), key: key, owner: p}, nil
}

// trackedPaperClient remembers its balance in the connector on Close
type trackedPaperClient struct {
	*PaperClient
	key   string
	owner *PaperConnector
}

func (t *trackedPaperClient) Close() error {
	t.PaperClient.mu.Lock()
	t.PaperClient.settleDueLocked()
	balance := t.PaperClient.balance
	t.PaperClient.mu.Unlock()

	t.owner.mu.Lock()
	t.owner.balances[t.key] = balance
	t.owner.mu.Unlock()
	return t.PaperClient.Close()
}
