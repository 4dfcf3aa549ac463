// Package database keeps the PostgreSQL trade journal: an audit history of every order
// the engine placed and its result. Engine state never depends on it.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConfigFrom converts the application's database settings
func ConfigFrom(c config.DatabaseConfig) Config {
	return Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Name,
		SSLMode:  c.SSLMode,
	}
}

// DSN renders the pgx connection string
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger := logging.DatabaseContext("connect", "")
	logger.Info("Connected to PostgreSQL", "database", cfg.Database, "host", cfg.Host)

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// migrations create the journal schema; each statement is idempotent
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trade_journal (
		order_id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		asset VARCHAR(32) NOT NULL,
		direction VARCHAR(4) NOT NULL,
		amount DECIMAL(20, 4) NOT NULL,
		expiry_minutes INTEGER NOT NULL,
		martingale_level SMALLINT NOT NULL DEFAULT 0,
		root_order_id VARCHAR(64) NOT NULL,
		source VARCHAR(16) NOT NULL,
		signal VARCHAR(64),
		status VARCHAR(10) NOT NULL DEFAULT 'pending',
		profit DECIMAL(20, 4) NOT NULL DEFAULT 0,
		placed_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_journal_user_placed ON trade_journal(user_id, placed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_journal_root ON trade_journal(root_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_journal_status ON trade_journal(status)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("Running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info("Database migrations completed", "count", len(migrations))
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
