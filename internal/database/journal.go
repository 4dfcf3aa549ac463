package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/orders"
)

// DefaultJournalLimit caps ListRecent when no limit is given
const DefaultJournalLimit = 100

// querier is the part of pgxpool.Pool the journal uses
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JournalEntry is one persisted order
type JournalEntry struct {
	OrderID         string          `json:"order_id"`
	UserID          string          `json:"user_id"`
	Asset           string          `json:"asset"`
	Direction       string          `json:"direction"`
	Amount          decimal.Decimal `json:"amount"`
	ExpiryMinutes   int             `json:"expiry_minutes"`
	MartingaleLevel int             `json:"martingale_level"`
	RootOrderID     string          `json:"root_order_id"`
	Source          string          `json:"source"`
	Signal          *string         `json:"signal,omitempty"`
	Status          string          `json:"status"`
	Profit          decimal.Decimal `json:"profit"`
	PlacedAt        time.Time       `json:"placed_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// entryFromOrder maps a ledger order to its journal row
func entryFromOrder(userID string, o orders.TradeOrder) JournalEntry {
	e := JournalEntry{
		OrderID:         o.ID,
		UserID:          userID,
		Asset:           o.Asset,
		Direction:       string(o.Direction),
		Amount:          decimal.NewFromFloat(o.Amount).Round(4),
		ExpiryMinutes:   o.ExpiryMinutes,
		MartingaleLevel: o.MartingaleLevel,
		RootOrderID:     o.RootID(),
		Source:          string(o.Source),
		Status:          string(o.Status),
		Profit:          decimal.NewFromFloat(o.Profit).Round(4),
		PlacedAt:        o.CreatedAt,
	}
	if label := o.SignalLabel(); label != "" {
		e.Signal = &label
	}
	if !o.ResolvedAt.IsZero() {
		resolved := o.ResolvedAt
		e.ResolvedAt = &resolved
	}
	return e
}

// TradeJournal records placements and results in PostgreSQL
type TradeJournal struct {
	db     querier
	logger *logging.Logger
}

// NewTradeJournal creates a journal on db's pool
func NewTradeJournal(db *DB) *TradeJournal {
	return newTradeJournal(db.Pool)
}

func newTradeJournal(q querier) *TradeJournal {
	return &TradeJournal{db: q, logger: logging.DatabaseContext("journal", "trade_journal")}
}

// RecordPlacement inserts a newly placed order. A replayed placement is ignored.
func (j *TradeJournal) RecordPlacement(ctx context.Context, userID string, order orders.TradeOrder) error {
	e := entryFromOrder(userID, order)
	query := `
		INSERT INTO trade_journal (order_id, user_id, asset, direction, amount, expiry_minutes,
		                           martingale_level, root_order_id, source, signal, status, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id) DO NOTHING
	`
	_, err := j.db.Exec(ctx, query,
		e.OrderID, e.UserID, e.Asset, e.Direction, e.Amount, e.ExpiryMinutes,
		e.MartingaleLevel, e.RootOrderID, e.Source, e.Signal, e.Status, e.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record placement of %s: %w", e.OrderID, err)
	}
	return nil
}

// RecordResolution stores an order's final status. Only a pending row is updated.
func (j *TradeJournal) RecordResolution(ctx context.Context, userID string, order orders.TradeOrder) error {
	e := entryFromOrder(userID, order)
	resolvedAt := time.Now()
	if e.ResolvedAt != nil {
		resolvedAt = *e.ResolvedAt
	}
	query := `
		UPDATE trade_journal
		SET status = $3, profit = $4, resolved_at = $5, updated_at = CURRENT_TIMESTAMP
		WHERE order_id = $1 AND user_id = $2 AND status = 'pending'
	`
	tag, err := j.db.Exec(ctx, query, e.OrderID, e.UserID, e.Status, e.Profit, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to record result of %s: %w", e.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		j.logger.Debug("No pending journal row to resolve", "order_id", e.OrderID, "user_id", userID)
	}
	return nil
}

// ListRecent returns userID's newest journal entries
func (j *TradeJournal) ListRecent(ctx context.Context, userID string, limit int) ([]JournalEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = DefaultJournalLimit
	}
	query := `
		SELECT order_id, user_id, asset, direction, amount, expiry_minutes, martingale_level,
		       root_order_id, source, signal, status, profit, placed_at, resolved_at
		FROM trade_journal
		WHERE user_id = $1
		ORDER BY placed_at DESC
		LIMIT $2
	`
	rows, err := j.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.OrderID, &e.UserID, &e.Asset, &e.Direction, &e.Amount, &e.ExpiryMinutes, &e.MartingaleLevel,
			&e.RootOrderID, &e.Source, &e.Signal, &e.Status, &e.Profit, &e.PlacedAt, &e.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
