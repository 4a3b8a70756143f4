package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tiersync/backend/internal/auth"
	"github.com/tiersync/backend/pkg/response"
)

const (
	// ContextSubscriberID is the key for the subscriber id in gin context.
	ContextSubscriberID = "subscriber_id"
	// ContextRole is the key for the caller role in gin context.
	ContextRole = "role"
	// ContextEmail is the key for the operator email in gin context.
	ContextEmail = "email"
)

// JWT returns a middleware that validates JWT and sets claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextSubscriberID, claims.SubscriberID)
		c.Set(ContextRole, claims.Role)
		c.Set(ContextEmail, claims.Email)
		c.Next()
	}
}

// SubscriberID returns the authenticated subscriber, or false for operator tokens.
func SubscriberID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextSubscriberID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}
