package service

import (
	"fmt"

	"github.com/samber/oops"
)

// Error codes carried by oops errors returned from this package. The handler
// layer maps them to HTTP statuses.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeUserExists            = "USER_EXISTS"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeInvalidRefreshToken   = "INVALID_REFRESH_TOKEN"
	CodeInvalidTokenType      = "INVALID_TOKEN_TYPE"
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeTokenExpired          = "TOKEN_EXPIRED"
	CodeInvalidOrExpiredReset = "INVALID_OR_EXPIRED_TOKEN"
	CodeRateLimited           = "RATE_LIMITED"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeInternal              = "INTERNAL_ERROR"
)

// Token verification failure kinds.
const (
	CodeTokenMalformed    = "TOKEN_MALFORMED"
	CodeTokenBadSignature = "TOKEN_BAD_SIGNATURE"
	CodeTokenWrongType    = "TOKEN_WRONG_TYPE"
)

// ErrorCode returns the oops code attached to err, or CodeInternal when err
// carries none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return CodeInternal
	}
	code := oopsErr.Code()
	if code == nil {
		return CodeInternal
	}
	if s, ok := code.(string); ok && s != "" {
		return s
	}
	return fmt.Sprint(code)
}

// ErrorContext returns the oops context map of err, if any.
func ErrorContext(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func internal(operation string, err error) error {
	return oops.Code(CodeInternal).With("operation", operation).Wrap(err)
}
