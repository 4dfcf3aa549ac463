package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/auth"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/autopilot"
)

// queryLimit reads a positive ?limit= value, falling back to def
func queryLimit(c *gin.Context, def int) int {
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

// sessionStatus returns the caller's status, served from the status cache while it is
// fresh. ?fresh=true bypasses the cache.
func (s *Server) sessionStatus(ctx context.Context, c *gin.Context, sess *autopilot.Session) autopilot.Status {
	if c.Query("fresh") != "true" {
		var cached autopilot.Status
		if err := s.status.Get(ctx, sess.UserID(), &cached); err == nil && cached.SessionID == sess.ID() {
			return cached
		}
	}

	st := sess.Status(ctx, true)
	if err := s.status.Put(ctx, sess.UserID(), st); err != nil {
		s.logger.Debug("Failed to cache status", "user_id", sess.UserID(), "error", err)
	}
	return st
}

func (s *Server) invalidateStatus(ctx context.Context, sess *autopilot.Session) {
	if err := s.status.Invalidate(ctx, sess.UserID()); err != nil {
		s.logger.Debug("Failed to invalidate status", "user_id", sess.UserID(), "error", err)
	}
}

// ============================================================================
// ENGINE
// ============================================================================

// handleStart starts signal execution
// POST /api/engine/start
func (s *Server) handleStart(c *gin.Context) {
	sess := auth.GetSession(c)
	ctx := c.Request.Context()

	if err := sess.Start(ctx); err != nil {
		s.respondError(c, err)
		return
	}
	s.invalidateStatus(ctx, sess)
	successResponse(c, gin.H{"message": "signal execution started"})
}

// handleStop stops signal execution
// POST /api/engine/stop
func (s *Server) handleStop(c *gin.Context) {
	sess := auth.GetSession(c)
	sess.Stop()
	s.invalidateStatus(c.Request.Context(), sess)
	successResponse(c, gin.H{"message": "signal execution stopped"})
}

// handleStatus returns the engine status
// GET /api/engine/status
func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.sessionStatus(c.Request.Context(), c, auth.GetSession(c)))
}

// handleLogs returns the newest activity entries
// GET /api/engine/logs
func (s *Server) handleLogs(c *gin.Context) {
	sess := auth.GetSession(c)
	successResponse(c, sess.Logs(queryLimit(c, autopilot.DefaultLogCapacity)))
}

// ============================================================================
// CONFIGURATION
// ============================================================================

// handleGetConfig returns the session settings
// GET /api/config
func (s *Server) handleGetConfig(c *gin.Context) {
	successResponse(c, auth.GetSession(c).Config())
}

// handleUpdateConfig applies a partial settings change
// PUT /api/config
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req autopilot.ConfigUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	sess := auth.GetSession(c)
	cfg, err := sess.UpdateConfig(req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.invalidateStatus(c.Request.Context(), sess)
	successResponse(c, cfg)
}

// ============================================================================
// BALANCE & RISK
// ============================================================================

// handleBalance returns the balance and its variation since login
// GET /api/balance
func (s *Server) handleBalance(c *gin.Context) {
	st := s.sessionStatus(c.Request.Context(), c, auth.GetSession(c))
	successResponse(c, gin.H{
		"balance":           st.Balance,
		"initial_balance":   st.InitialBalance,
		"variation":         st.Variation,
		"variation_percent": st.VariationPercent,
		"account_type":      st.AccountType,
	})
}

// handleStopLoss returns the stop-loss guard state
// GET /api/stop-loss
func (s *Server) handleStopLoss(c *gin.Context) {
	st := s.sessionStatus(c.Request.Context(), c, auth.GetSession(c))
	successResponse(c, gin.H{
		"stop_loss":   st.StopLoss,
		"loss_streak": st.LossStreak,
	})
}
