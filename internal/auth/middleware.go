package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/autopilot"
)

const (
	// Context keys for user data
	ContextKeyUserID  = "user_id"
	ContextKeyClaims  = "user_claims"
	ContextKeySession = "user_session"
)

// Middleware creates a JWT authentication middleware. The token must also name the
// identity's current session; tokens of a replaced or closed session are refused.
func Middleware(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing or invalid authorization header",
			})
			return
		}

		claims, err := service.GetJWTManager().ValidateAccessToken(tokenString)
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		sess, err := service.Sessions().Lookup(claims.UserID, claims.SessionID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrSessionRevoked.Code,
				"message": ErrSessionRevoked.Message,
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeySession, sess)

		c.Next()
	}
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter for websocket upgrades where browsers cannot set headers
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query("token"); q != "" {
			return q, true
		}
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetUserID extracts the user ID from the Gin context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get(ContextKeyUserID); exists {
		return userID.(string)
	}
	return ""
}

// GetUserClaims extracts the full user claims from the Gin context
func GetUserClaims(c *gin.Context) *UserClaims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		return claims.(*UserClaims)
	}
	return nil
}

// GetSession returns the session the request was authenticated against
func GetSession(c *gin.Context) *autopilot.Session {
	if sess, exists := c.Get(ContextKeySession); exists {
		return sess.(*autopilot.Session)
	}
	return nil
}
