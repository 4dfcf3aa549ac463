package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/autopilot"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/broker"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/cache"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
)

// SessionRegistry is the part of autopilot.Registry the auth flow needs
type SessionRegistry interface {
	Open(ctx context.Context, creds broker.Credentials) (*autopilot.Session, error)
	Lookup(userID, sessionID string) (*autopilot.Session, error)
	Destroy(ctx context.Context, userID string) error
}

// Service handles authentication business logic
type Service struct {
	jwtManager *JWTManager
	hasher     *SecretHasher
	refresh    *cache.RefreshStore
	sessions   SessionRegistry
	logger     *logging.Logger
}

// NewService creates a new auth service
func NewService(cfg Config, sessions SessionRegistry, refresh *cache.RefreshStore) *Service {
	return &Service{
		jwtManager: NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration, cfg.RefreshTokenDuration),
		hasher:     NewSecretHasher(cfg.BcryptCost),
		refresh:    refresh,
		sessions:   sessions,
		logger:     logging.WithComponent("auth"),
	}
}

// GetJWTManager returns the JWT manager
func (s *Service) GetJWTManager() *JWTManager {
	return s.jwtManager
}

// Sessions returns the registry tokens are validated against
func (s *Service) Sessions() SessionRegistry {
	return s.sessions
}

// Login checks the broker credentials by opening a session and returns tokens bound to it
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	sess, err := s.sessions.Open(ctx, broker.Credentials{
		Email:       req.Email,
		Password:    req.Password,
		AccountType: broker.AccountType(req.AccountType),
	})
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrInvalidCredentials):
			return nil, ErrInvalidCredentials
		case errors.Is(err, broker.ErrConnection), errors.Is(err, autopilot.ErrBrokerUnavailable):
			return nil, ErrBrokerUnavailable
		}
		return nil, err
	}

	claims := UserClaims{
		UserID:      sess.UserID(),
		SessionID:   sess.ID(),
		AccountType: string(sess.AccountType()),
	}
	pair, err := s.issue(ctx, claims)
	if err != nil {
		return nil, err
	}

	s.logger.Info("User logged in", "user_id", claims.UserID, "session_id", claims.SessionID)
	return &LoginResponse{
		UserID:      claims.UserID,
		SessionID:   claims.SessionID,
		AccountType: claims.AccountType,
		Balance:     sess.Status(ctx, false).Balance,
		TokenPair:   *pair,
	}, nil
}

// RefreshTokens rotates a refresh token. The token is only honoured while the session
// it was issued for is still the identity's current session.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	token, err := ParseRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	stored, err := s.refresh.Get(ctx, token.ID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh session: %w", err)
	}
	if !time.Now().Before(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if !s.hasher.Verify(token.Secret, stored.SecretHash) {
		return nil, ErrInvalidToken
	}

	if _, err := s.sessions.Lookup(stored.UserID, stored.SessionID); err != nil {
		s.refresh.Revoke(ctx, token.ID)
		return nil, ErrSessionRevoked
	}

	return s.issue(ctx, UserClaims{
		UserID:      stored.UserID,
		SessionID:   stored.SessionID,
		AccountType: stored.AccountType,
	})
}

// Logout stops and closes the identity's session and revokes its refresh token
func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.sessions.Destroy(ctx, userID); err != nil && !errors.Is(err, autopilot.ErrSessionNotFound) {
		return err
	}
	if err := s.refresh.RevokeUser(ctx, userID); err != nil {
		s.logger.Warn("Failed to revoke refresh token", "user_id", userID, "error", err)
	}
	s.logger.Info("User logged out", "user_id", userID)
	return nil
}

// issue creates a token pair and stores the refresh half, replacing the user's previous one
func (s *Service) issue(ctx context.Context, claims UserClaims) (*TokenPair, error) {
	access, err := s.jwtManager.GenerateAccessToken(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}
	refresh, err := s.jwtManager.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}
	hash, err := s.hasher.Hash(refresh.Secret)
	if err != nil {
		return nil, err
	}

	if err := s.refresh.Save(ctx, cache.RefreshSession{
		TokenID:     refresh.ID,
		UserID:      claims.UserID,
		SessionID:   claims.SessionID,
		AccountType: claims.AccountType,
		SecretHash:  hash,
		ExpiresAt:   time.Now().Add(s.jwtManager.GetRefreshTokenDuration()),
	}); err != nil {
		return nil, fmt.Errorf("failed to store refresh session: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh.String(),
		ExpiresIn:    int64(s.jwtManager.GetAccessTokenDuration().Seconds()),
		TokenType:    "Bearer",
	}, nil
}
