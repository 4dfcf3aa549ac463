package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/autopilot"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/orders"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/signals"
)

// errorMapping ties a sentinel error to its HTTP status and code
type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{autopilot.ErrInvalidConfig, http.StatusBadRequest, "VALIDATION_ERROR"},
	{signals.ErrInvalidTimeframe, http.StatusBadRequest, "VALIDATION_ERROR"},
	{signals.ErrInvalidTime, http.StatusBadRequest, "VALIDATION_ERROR"},
	{signals.ErrInvalidDirection, http.StatusBadRequest, "VALIDATION_ERROR"},
	{signals.ErrEmptyAsset, http.StatusBadRequest, "VALIDATION_ERROR"},
	{autopilot.ErrStopLossTriggered, http.StatusConflict, "STOP_LOSS_TRIGGERED"},
	{autopilot.ErrAlreadyRunning, http.StatusConflict, "ALREADY_RUNNING"},
	{autopilot.ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
	{autopilot.ErrBrokerRejected, http.StatusUnprocessableEntity, "BROKER_REJECTED"},
	{autopilot.ErrBrokerUnavailable, http.StatusBadGateway, "BROKER_UNAVAILABLE"},
	{autopilot.ErrNotAuthenticated, http.StatusUnauthorized, "NOT_AUTHENTICATED"},
	{autopilot.ErrSessionNotFound, http.StatusUnauthorized, "NOT_AUTHENTICATED"},
	{orders.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
	{signals.ErrIndexOutOfRange, http.StatusNotFound, "SIGNAL_NOT_FOUND"},
}

// respondError writes err using the first matching sentinel, or a 500
func (s *Server) respondError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			errorResponse(c, m.status, m.code, err.Error())
			return
		}
	}
	logging.FromContext(c.Request.Context()).Error("Request failed", "path", c.FullPath(), "error", err)
	errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}
