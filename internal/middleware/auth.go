package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/auth"
)

const (
	IdentityKey = "identity"
	UserIDKey   = "userID"
)

// AuthMiddleware resolves the bearer token into an identity.
func AuthMiddleware(resolver auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.TokenFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		identity, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(IdentityKey, identity)
		c.Set(UserIDKey, identity.ID)
		c.Next()
	}
}
