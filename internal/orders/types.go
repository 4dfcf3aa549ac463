// Package orders tracks binary-option trade orders from placement to result.
package orders

import (
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

// Status is the lifecycle state of a trade order. Pending is the only non-terminal state.
type Status string

const (
	StatusPending Status = "pending"
	StatusWin     Status = "win"
	StatusLoss    Status = "loss"
	StatusEqual   Status = "equal"
)

// IsTerminal reports whether s is a final result
func (s Status) IsTerminal() bool {
	return s == StatusWin || s == StatusLoss || s == StatusEqual
}

// IsValidStatus validates a status string
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusWin, StatusLoss, StatusEqual:
		return true
	}
	return false
}

// Source records what created an order
type Source string

const (
	SourceSignal     Source = "signal"
	SourceManual     Source = "manual"
	SourceMartingale Source = "martingale"
)

// TradeOrder is one binary-option order placed with the broker
type TradeOrder struct {
	ID              string            `json:"id"`
	Asset           string            `json:"asset"`
	Direction       signals.Direction `json:"direction"`
	Amount          float64           `json:"amount"`
	ExpiryMinutes   int               `json:"expiry_minutes"`
	CreatedAt       time.Time         `json:"created_at"`
	ResolvedAt      time.Time         `json:"resolved_at,omitempty"`
	Status          Status            `json:"status"`
	Profit          float64           `json:"profit"`
	MartingaleLevel int               `json:"martingale_level"`
	ParentOrderID   string            `json:"parent_order_id,omitempty"` // level-0 order of the chain
	Source          Source            `json:"source"`
	OriginSignal    *signals.Signal   `json:"-"`
}

// IsRoot reports whether the order opened its chain
func (o TradeOrder) IsRoot() bool {
	return o.ParentOrderID == ""
}

// RootID returns the id of the chain's level-0 order
func (o TradeOrder) RootID() string {
	if o.ParentOrderID != "" {
		return o.ParentOrderID
	}
	return o.ID
}

// SignalLabel renders the originating signal, empty for manual trades
func (o TradeOrder) SignalLabel() string {
	if o.OriginSignal == nil {
		return ""
	}
	return o.OriginSignal.String()
}

// View is the JSON shape returned by the API, with the signal flattened
type View struct {
	TradeOrder
	Signal string `json:"signal,omitempty"`
}

// ToView converts an order for API output
func (o TradeOrder) ToView() View {
	return View{TradeOrder: o, Signal: o.SignalLabel()}
}
