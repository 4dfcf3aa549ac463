// Package cache provides Redis-backed storage for refresh sessions and status snapshots,
// with an in-memory store for single-instance deployments.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/metrics"
)

var (
	// ErrCacheMiss means the key does not exist or has expired
	ErrCacheMiss = errors.New("cache miss")
	// ErrUnavailable means the circuit breaker is open
	ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")
)

// Store is a string key-value store with expiry
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheService provides Redis-based caching with graceful degradation.
// When Redis is unavailable, operations return ErrUnavailable.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// Key prefixes for different cache types
const (
	PrefixRefreshSession = "auth:refresh:%s"
	PrefixUserRefresh    = "user:%s:refresh"
	PrefixUserStatus     = "user:%s:status"
)

// NewCacheService creates a new CacheService with the provided configuration.
// A failed initial ping returns the service in degraded mode.
func NewCacheService(cfg config.RedisConfig) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	cs := newCacheService(client, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("Initial Redis connection failed", "address", cfg.Address, "error", err)
		return cs, nil
	}

	cs.recordSuccess()
	cs.logger.Info("Redis connected", "address", cfg.Address)
	return cs, nil
}

func newCacheService(client *redis.Client, cfg config.RedisConfig) *CacheService {
	return &CacheService{
		client:        client,
		config:        cfg,
		logger:        logging.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

// recordFailure counts a failed call; maxFailures in a row open the breaker.
func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount < cs.maxFailures {
		return
	}
	if cs.healthy {
		cs.logger.Warn("Circuit breaker OPEN: Redis marked unhealthy", "failures", cs.failureCount)
	}
	cs.healthy = false
	metrics.CacheHealthy.Set(0)
}

// recordSuccess closes the breaker.
func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info("Circuit breaker CLOSED: Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
	metrics.CacheHealthy.Set(1)
}

// probe pings Redis in the background while the breaker is open, at most once per checkInterval.
func (cs *CacheService) probe() {
	cs.mu.Lock()
	due := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if due {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()
	if !due {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cs.client.Ping(ctx).Err() == nil {
			cs.recordSuccess()
		}
	}()
}

// call runs fn through the breaker. redis.Nil is a miss, not a failure.
func (cs *CacheService) call(op string, fn func() error) error {
	cs.probe()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}

	err := fn()
	switch {
	case err == nil:
		cs.recordSuccess()
		return nil
	case errors.Is(err, redis.Nil):
		cs.recordSuccess()
		return ErrCacheMiss
	default:
		cs.recordFailure()
		return fmt.Errorf("redis %s failed: %w", op, err)
	}
}

// Get retrieves a value from cache. A missing key returns ErrCacheMiss.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	var result string
	err := cs.call("get", func() (err error) {
		result, err = cs.client.Get(ctx, key).Result()
		return err
	})
	return result, err
}

// Set stores a value with ttl. Values other than strings and bytes are stored as JSON.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	return cs.call("set", func() error {
		return cs.client.Set(ctx, key, data, ttl).Err()
	})
}

// Delete removes keys from cache.
func (cs *CacheService) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return cs.call("delete", func() error {
		return cs.client.Del(ctx, keys...).Err()
	})
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

func encodeValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("failed to marshal value: %w", err)
		}
		return string(data), nil
	}
}

// GetJSON retrieves and unmarshals a JSON value from store.
func GetJSON(ctx context.Context, store Store, key string, dest interface{}) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// RefreshSessionKey generates the key of a refresh session.
func RefreshSessionKey(tokenID string) string {
	return fmt.Sprintf(PrefixRefreshSession, tokenID)
}

// UserRefreshKey generates the key holding a user's current refresh token id.
func UserRefreshKey(userID string) string {
	return fmt.Sprintf(PrefixUserRefresh, userID)
}

// UserStatusKey generates the key of a user's cached status snapshot.
func UserStatusKey(userID string) string {
	return fmt.Sprintf(PrefixUserStatus, userID)
}
