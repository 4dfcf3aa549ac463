package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/autopilot"
)

// Handlers contains the auth HTTP handlers
type Handlers struct {
	service *Service
}

// NewHandlers creates a new Handlers instance
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

// fail maps a service error onto a response; op names the failed action for the 500 case
func (h *Handlers) fail(c *gin.Context, op string, err error) {
	var authErr AuthError
	switch {
	case errors.As(err, &authErr):
		status := http.StatusUnauthorized
		if authErr.Code == ErrBrokerUnavailable.Code {
			status = http.StatusBadGateway
		}
		writeError(c, status, authErr.Code, authErr.Message)
	case errors.Is(err, autopilot.ErrInvalidConfig):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	default:
		h.service.logger.Error("Auth request failed", "op", op, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to "+op)
	}
}

// Login checks broker credentials and opens the caller's session
// POST /api/auth/login
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	resp, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Refresh rotates a refresh token
// POST /api/auth/refresh
func (h *Handlers) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	pair, err := h.service.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.fail(c, "refresh tokens", err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Logout stops the caller's session and revokes its tokens
// POST /api/auth/logout
func (h *Handlers) Logout(c *gin.Context) {
	userID := GetUserID(c)
	if err := h.service.Logout(c.Request.Context(), userID); err != nil {
		h.service.logger.Warn("Logout failed", "user_id", userID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Status reports whether the request carries a valid token for a live session
// GET /api/auth/status
func (h *Handlers) Status(c *gin.Context) {
	claims, ok := h.liveClaims(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"user_id":       claims.UserID,
		"account_type":  claims.AccountType,
	})
}

func (h *Handlers) liveClaims(c *gin.Context) (*UserClaims, bool) {
	token, ok := bearerToken(c)
	if !ok {
		return nil, false
	}
	claims, err := h.service.GetJWTManager().ValidateAccessToken(token)
	if err != nil {
		return nil, false
	}
	if _, err := h.service.Sessions().Lookup(claims.UserID, claims.SessionID); err != nil {
		return nil, false
	}
	return claims, true
}

// RegisterRoutes registers the auth routes; only logout needs a token
func (h *Handlers) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/login", h.Login)
	router.POST("/refresh", h.Refresh)
	router.GET("/status", h.Status)
	router.POST("/logout", Middleware(h.service), h.Logout)
}
