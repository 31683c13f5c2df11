package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"conversation-service/internal/apperror"
	"conversation-service/internal/media"
)

func statusFor(err error) int {
	switch apperror.KindOf(err) {
	case apperror.Authentication:
		return http.StatusUnauthorized
	case apperror.Validation:
		if errors.Is(err, media.ErrTooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case apperror.NotFound:
		return http.StatusNotFound
	case apperror.Ownership:
		return http.StatusForbidden
	case apperror.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": msg}; transient failures also carry
// retryable=true.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": apperror.MessageOf(err, "internal error")}
	if apperror.IsRetryable(err) {
		body["retryable"] = true
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("route", c.FullPath()).Str("request_id", requestIDFromContext(c)).Msg("request failed")
	}
	c.JSON(status, body)
}
