package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mozhii/curator/internal/server/auth"
)

// actorKey is the gin context key carrying the authenticated moderator name.
const actorKey = "actor"

// RequireAuth validates the Bearer token and stores the moderator name in
// the request context for audit stamping.
func RequireAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{
				Success: false,
				Error:   &apiError{Message: "missing or invalid token", Code: "unauthorized"},
			})
			return
		}
		username, err := authService.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{
				Success: false,
				Error:   &apiError{Message: "missing or invalid token", Code: "unauthorized"},
			})
			return
		}
		c.Set(actorKey, username)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

func actorFrom(c *gin.Context) string {
	return c.GetString(actorKey)
}
