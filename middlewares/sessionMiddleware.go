package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/utils"
)

// SessionMiddleware resolves the token header into the caller identity. Requests
// without a token pass through unauthenticated.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue(c.Request.Context(), "Token:"+token)
		if err != nil || !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		user, err := models.GetUserByUsername(c.Request.Context(), config.GetDB(), username)
		if err != nil || !user.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		ctx = models.Caller{
			Id:         user.ID,
			Name:       user.Name,
			Role:       user.Role,
			BusinessId: user.BusinessId,
		}.WithContext(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireSession rejects requests the session middleware left anonymous.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := models.CallerFromContext(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
