package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/credgate/backend/internal/model"
	"github.com/credgate/backend/internal/service"
)

const internalErrorMessage = "An internal error occurred. Please try again later."

func errorStatus(code string) int {
	switch code {
	case service.CodeValidation, service.CodeInvalidOrExpiredReset:
		return http.StatusBadRequest
	case service.CodeInvalidCredentials,
		service.CodeInvalidRefreshToken,
		service.CodeInvalidTokenType,
		service.CodeInvalidToken,
		service.CodeTokenExpired,
		service.CodeUnauthorized:
		return http.StatusUnauthorized
	case service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeUserNotFound:
		return http.StatusNotFound
	case service.CodeUserExists:
		return http.StatusConflict
	case service.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(code, message string) model.ErrorResponse {
	return model.ErrorResponse{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// writeError renders err as an ErrorResponse. Errors without a known code are
// logged and reported as INTERNAL_ERROR without detail.
func writeError(c *gin.Context, log zerolog.Logger, err error) {
	code := service.ErrorCode(err)
	status := errorStatus(code)

	if status == http.StatusInternalServerError {
		log.Error().
			Err(err).
			Interface("context", service.ErrorContext(err)).
			Str("request_id", c.GetString(requestIDKey)).
			Str("path", c.FullPath()).
			Msg("request failed")
		c.AbortWithStatusJSON(status, newErrorResponse(service.CodeInternal, internalErrorMessage))
		return
	}

	resp := newErrorResponse(code, err.Error())
	if code == service.CodeValidation {
		resp.Message = "Validation failed"
		if fields := service.ValidationFields(err); len(fields) > 0 {
			resp.Details = map[string]any{"fields": fields}
		}
	}
	c.AbortWithStatusJSON(status, resp)
}

func writeBindError(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, newErrorResponse(service.CodeValidation, "Request body must be valid JSON"))
}
