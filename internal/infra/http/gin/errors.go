package ginserver

import (
	"errors"
	"log/slog"
	"net/http"

	gin "github.com/gin-gonic/gin"

	"dealroom/internal/app/middleware"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/listings"
	"dealroom/internal/domain/messages"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, messages.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, conversations.ErrNotFound), errors.Is(err, listings.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, messages.ErrActorNotAllowed), errors.Is(err, middleware.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, messages.ErrInvalidTransition), errors.Is(err, store.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the mapped status. Internal errors are logged and
// their detail is not echoed to the client.
func respondError(c *gin.Context, logger *slog.Logger, err error, op string) {
	code := statusFor(err)
	_ = c.Error(err)
	if code >= http.StatusInternalServerError {
		if logger != nil {
			logger.Error(op+" failed", "error", err, "request_id", c.GetString("request_id"))
		}
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
