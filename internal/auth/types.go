package auth

import (
	"time"

	"github.com/wagnerlcg/iqoptiontraderbot/config"
)

// UserClaims represents the JWT claims for a broker identity
type UserClaims struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	AccountType string `json:"account_type"`
}

// TokenPair represents an access and refresh token pair
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // Access token expiry in seconds
	TokenType    string `json:"token_type"` // Always "Bearer"
}

// LoginRequest carries the broker credentials
type LoginRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	AccountType string `json:"account_type"`
}

// LoginResponse represents a successful login response
type LoginResponse struct {
	UserID      string  `json:"user_id"`
	SessionID   string  `json:"session_id"`
	AccountType string  `json:"account_type"`
	Balance     float64 `json:"balance"`
	TokenPair
}

// RefreshRequest represents a token refresh request
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Config holds authentication configuration
type Config struct {
	JWTSecret            string
	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration
	BcryptCost           int
}

// DefaultConfig returns default authentication configuration
func DefaultConfig() Config {
	return Config{
		JWTSecret:            "", // Must be set
		AccessTokenDuration:  15 * time.Minute,
		RefreshTokenDuration: 7 * 24 * time.Hour,
		BcryptCost:           DefaultBcryptCost,
	}
}

// ConfigFrom maps the application auth section, keeping defaults for unset durations
func ConfigFrom(c config.AuthConfig) Config {
	cfg := DefaultConfig()
	cfg.JWTSecret = c.JWTSecret
	if c.AccessTokenDuration > 0 {
		cfg.AccessTokenDuration = c.AccessTokenDuration
	}
	if c.RefreshTokenDuration > 0 {
		cfg.RefreshTokenDuration = c.RefreshTokenDuration
	}
	return cfg
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid broker email or password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrSessionRevoked     = AuthError{Code: "SESSION_REVOKED", Message: "session has been revoked"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrBrokerUnavailable  = AuthError{Code: "BROKER_UNAVAILABLE", Message: "trading venue unavailable"}
)
