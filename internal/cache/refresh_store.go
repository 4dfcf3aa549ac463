package cache

import (
	"context"
	"errors"
	"time"
)

// RefreshSession is the server-side half of a refresh token
type RefreshSession struct {
	TokenID     string    `json:"token_id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	AccountType string    `json:"account_type"`
	SecretHash  string    `json:"secret_hash"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RefreshStore keeps one refresh session per user. Saving a new one revokes the previous.
type RefreshStore struct {
	store Store
}

// NewRefreshStore wraps store
func NewRefreshStore(store Store) *RefreshStore {
	return &RefreshStore{store: store}
}

// Save stores s until its expiry and makes it the user's current refresh session
func (r *RefreshStore) Save(ctx context.Context, s RefreshSession) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return errors.New("refresh session already expired")
	}

	if prev, err := r.store.Get(ctx, UserRefreshKey(s.UserID)); err == nil && prev != s.TokenID {
		if err := r.store.Delete(ctx, RefreshSessionKey(prev)); err != nil {
			return err
		}
	}
	if err := r.store.Set(ctx, RefreshSessionKey(s.TokenID), s, ttl); err != nil {
		return err
	}
	return r.store.Set(ctx, UserRefreshKey(s.UserID), s.TokenID, ttl)
}

// Get returns the refresh session for tokenID, or ErrCacheMiss
func (r *RefreshStore) Get(ctx context.Context, tokenID string) (RefreshSession, error) {
	var s RefreshSession
	if err := GetJSON(ctx, r.store, RefreshSessionKey(tokenID), &s); err != nil {
		return RefreshSession{}, err
	}
	return s, nil
}

// Revoke deletes tokenID's session
func (r *RefreshStore) Revoke(ctx context.Context, tokenID string) error {
	return r.store.Delete(ctx, RefreshSessionKey(tokenID))
}

// RevokeUser deletes userID's current refresh session
func (r *RefreshStore) RevokeUser(ctx context.Context, userID string) error {
	tokenID, err := r.store.Get(ctx, UserRefreshKey(userID))
	if errors.Is(err, ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, RefreshSessionKey(tokenID), UserRefreshKey(userID))
}
