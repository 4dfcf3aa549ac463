package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/auth"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/autopilot"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/orders"
)

// handleListTrades returns the ledger, newest first
// GET /api/trades
func (s *Server) handleListTrades(c *gin.Context) {
	trades := auth.GetSession(c).Ledger().Recent(queryLimit(c, 0))
	views := make([]orders.View, len(trades))
	for i, t := range trades {
		views[i] = t.ToView()
	}
	successResponse(c, views)
}

// handleManualTrade places a user-initiated order
// POST /api/trades
func (s *Server) handleManualTrade(c *gin.Context) {
	var req autopilot.ManualTrade
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	sess := auth.GetSession(c)
	order, err := sess.PlaceManualTrade(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.invalidateStatus(c.Request.Context(), sess)
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": order.ToView()})
}

type checkTradeRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// handleCheckTrade asks the venue once for a pending order's result
// POST /api/trades/check
func (s *Server) handleCheckTrade(c *gin.Context) {
	var req checkTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	sess := auth.GetSession(c)
	order, err := sess.CheckTrade(c.Request.Context(), req.OrderID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if order.Status.IsTerminal() {
		s.invalidateStatus(c.Request.Context(), sess)
	}
	successResponse(c, order.ToView())
}

// handleJournal returns persisted trade history
// GET /api/trades/journal
func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		errorResponse(c, http.StatusServiceUnavailable, "JOURNAL_DISABLED", "trade journal is not enabled")
		return
	}
	entries, err := s.journal.ListRecent(c.Request.Context(), auth.GetUserID(c), queryLimit(c, 100))
	if err != nil {
		s.respondError(c, err)
		return
	}
	successResponse(c, entries)
}
