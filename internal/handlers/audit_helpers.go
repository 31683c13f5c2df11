package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"conversation-service/internal/middleware"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(observability.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(observability.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	if userID := c.GetString(middleware.UserIDKey); userID != "" {
		return &userID
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		return &header
	}
	return nil
}

func identityFromContext(c *gin.Context) models.Identity {
	if val, ok := c.Get(middleware.IdentityKey); ok {
		if identity, ok := val.(models.Identity); ok {
			return identity
		}
	}
	return models.Identity{ID: c.GetString(middleware.UserIDKey)}
}
