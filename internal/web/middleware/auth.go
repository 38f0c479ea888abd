package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ActorKey is the gin context key holding the authenticated actor id.
const ActorKey = "user_id"

// RequireAuth accepts the token from the Authorization header, or from the
// token query parameter for websocket upgrades that cannot set headers.
func (m *MiddlewareManager) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.Query("token")
		}
		userID, err := m.auth.ValidateToken(c.Request.Context(), token)
		if err != nil {
			m.logger.Debug("authentication rejected", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid bearer token",
			})
			return
		}

		c.Set(ActorKey, userID)

		c.Next()
	}
}
