// Package broker talks to the binary-option trading venue.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

// Broker errors
var (
	// ErrConnection means the venue could not be reached or the call failed in transit
	ErrConnection = errors.New("broker unavailable")
	// ErrNotYetSettled means the order has not expired or the venue has no result yet
	ErrNotYetSettled = errors.New("order not yet settled")
	// ErrRejected means the venue refused the order
	ErrRejected = errors.New("order rejected by broker")
	// ErrInvalidCredentials means the login was refused
	ErrInvalidCredentials = errors.New("invalid broker credentials")
	// ErrUnknownOrder means the venue does not know the order id
	ErrUnknownOrder = errors.New("unknown order")
)

// Outcome is the venue's verdict on an expired order. The venue spells loss "loose".
type Outcome string

const (
	OutcomeWin   Outcome = "win"
	OutcomeLoose Outcome = "loose"
	OutcomeEqual Outcome = "equal"
)

// AccountType selects the practice or real balance
type AccountType string

const (
	AccountPractice AccountType = "PRACTICE"
	AccountReal     AccountType = "REAL"
)

// ParseAccountType normalises an account type string
func ParseAccountType(s string) (AccountType, error) {
	a := AccountType(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case AccountPractice, AccountReal:
		return a, nil
	case "":
		return AccountPractice, nil
	}
	return "", fmt.Errorf("invalid account type %q, must be PRACTICE or REAL", s)
}

// Credentials identify a venue account
type Credentials struct {
	Email       string
	Password    string
	AccountType AccountType
}

// Validate checks the credentials are complete
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Email) == "" || c.Password == "" {
		return fmt.Errorf("%w: email and password are required", ErrInvalidCredentials)
	}
	return nil
}

// OrderRequest describes a binary-option purchase
type OrderRequest struct {
	Asset         string            `json:"asset"`
	Direction     signals.Direction `json:"direction"`
	Amount        float64           `json:"amount"`
	ExpiryMinutes int               `json:"expiry"`
}

// Validate checks the request before it is sent
func (r OrderRequest) Validate() error {
	if r.Asset == "" {
		return fmt.Errorf("%w: asset is required", ErrRejected)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrRejected, r.Direction)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	if r.ExpiryMinutes <= 0 {
		return fmt.Errorf("%w: expiry must be positive", ErrRejected)
	}
	return nil
}

// Result is the settled outcome of an order
type Result struct {
	Outcome Outcome `json:"outcome"`
	Profit  float64 `json:"profit"`
}

// Client is one authenticated venue session. Calls are synchronous, may be slow
// and may fail; implementations must be safe for concurrent use.
type Client interface {
	GetBalance(ctx context.Context) (float64, error)
	// PlaceOrder returns accepted=false with an empty id when the venue refuses the order
	PlaceOrder(ctx context.Context, req OrderRequest) (accepted bool, orderID string, err error)
	// CheckResult returns ErrNotYetSettled until the order has a result
	CheckResult(ctx context.Context, orderID string) (Result, error)
	Close() error
}

// Connector opens authenticated venue sessions
type Connector interface {
	Connect(ctx context.Context, creds Credentials) (Client, error)
}

// Ensure both clients implement Client
var _ Client = (*PaperClient)(nil)
var _ Client = (*WSClient)(nil)
