package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore() (*MemoryStore, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	m := NewMemoryStore()
	m.now = clock.Now
	return m, clock
}

// ============================================================================
// TEST CASES: MEMORY STORE
// ============================================================================

func TestMemoryStoreExpiry(t *testing.T) {
	m, clock := newTestMemoryStore()
	ctx := context.Background()

	m.Set(ctx, "short", "a", time.Second)
	m.Set(ctx, "forever", "b", 0)

	if v, err := m.Get(ctx, "short"); err != nil || v != "a" {
		t.Errorf("Expected a, got %q err=%v", v, err)
	}

	clock.Advance(time.Second)
	if _, err := m.Get(ctx, "short"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after expiry, got %v", err)
	}
	if v, _ := m.Get(ctx, "forever"); v != "b" {
		t.Errorf("Expected key without ttl to survive, got %q", v)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	m, clock := newTestMemoryStore()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		m.Set(ctx, k, k, time.Minute)
	}
	m.Set(ctx, "d", "d", time.Hour)

	clock.Advance(2 * time.Minute)
	if n := m.Sweep(); n != 3 {
		t.Errorf("Expected 3 keys swept, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 key left, got %d", m.Len())
	}
}

func TestMemoryStoreJSON(t *testing.T) {
	m, _ := newTestMemoryStore()
	ctx := context.Background()

	type snap struct {
		Balance float64 `json:"balance"`
	}
	if err := m.Set(ctx, "k", snap{Balance: 998}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var got snap
	if err := GetJSON(ctx, m, "k", &got); err != nil || got.Balance != 998 {
		t.Errorf("Expected balance 998, got %+v err=%v", got, err)
	}
}

// ============================================================================
// TEST CASES: REFRESH STORE
// ============================================================================

func TestRefreshStore(t *testing.T) {
	r := NewRefreshStore(NewMemoryStore())
	ctx := context.Background()

	first := RefreshSession{TokenID: "t1", UserID: "u", SessionID: "s1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := r.Save(ctx, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := r.Get(ctx, "t1")
	if err != nil || got.SessionID != "s1" {
		t.Fatalf("Expected session s1, got %+v err=%v", got, err)
	}

	t.Run("new login revokes previous token", func(t *testing.T) {
		second := RefreshSession{TokenID: "t2", UserID: "u", SessionID: "s2", ExpiresAt: time.Now().Add(time.Hour)}
		if err := r.Save(ctx, second); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if _, err := r.Get(ctx, "t1"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Expected t1 revoked, got %v", err)
		}
	})

	t.Run("revoke user", func(t *testing.T) {
		if err := r.RevokeUser(ctx, "u"); err != nil {
			t.Fatalf("RevokeUser failed: %v", err)
		}
		if _, err := r.Get(ctx, "t2"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Expected t2 revoked, got %v", err)
		}
		if err := r.RevokeUser(ctx, "u"); err != nil {
			t.Errorf("Expected second revoke to be a no-op, got %v", err)
		}
	})

	t.Run("expired session rejected", func(t *testing.T) {
		err := r.Save(ctx, RefreshSession{TokenID: "t3", UserID: "u", ExpiresAt: time.Now().Add(-time.Second)})
		if err == nil {
			t.Error("Expected error for expired session")
		}
	})
}

// ============================================================================
// TEST CASES: STATUS CACHE
// ============================================================================

func TestStatusCache(t *testing.T) {
	m, clock := newTestMemoryStore()
	c := NewStatusCache(m, 0)
	ctx := context.Background()

	if err := c.Put(ctx, "u", map[string]float64{"balance": 1000}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	var got map[string]float64
	if err := c.Get(ctx, "u", &got); err != nil || got["balance"] != 1000 {
		t.Errorf("Expected cached balance, got %v err=%v", got, err)
	}

	clock.Advance(DefaultStatusTTL)
	if err := c.Get(ctx, "u", &got); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected snapshot to expire, got %v", err)
	}

	c.Put(ctx, "u", map[string]float64{"balance": 1})
	c.Invalidate(ctx, "u")
	if err := c.Get(ctx, "u", &got); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected invalidated snapshot, got %v", err)
	}
}

// ============================================================================
// TEST CASES: REDIS DEGRADED MODE
// ============================================================================

func TestCacheServiceDegraded(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	cs := newCacheService(client, config.RedisConfig{Address: "127.0.0.1:1", PoolSize: 1})
	defer cs.Close()
	ctx := context.Background()

	if cs.IsHealthy() {
		t.Fatal("Expected service to start unhealthy")
	}
	if _, err := cs.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if err := cs.Set(ctx, "k", "v", time.Second); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}

	for i := 0; i < 3; i++ {
		cs.recordFailure()
	}
	if stats := cs.GetStats(); stats.Healthy || stats.FailureCount != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	cs.recordSuccess()
	if !cs.IsHealthy() {
		t.Error("Expected recovery to close the breaker")
	}
}

func TestNewCacheServiceDisabled(t *testing.T) {
	if _, err := NewCacheService(config.RedisConfig{Enabled: false}); err == nil {
		t.Error("Expected error when redis is disabled")
	}
}

func TestKeys(t *testing.T) {
	if got := RefreshSessionKey("abc"); got != "auth:refresh:abc" {
		t.Errorf("Unexpected key %q", got)
	}
	if got := UserStatusKey("u@x.com"); got != "user:u@x.com:status" {
		t.Errorf("Unexpected key %q", got)
	}
}
