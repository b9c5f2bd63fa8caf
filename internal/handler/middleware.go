package handler

import (
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/credgate/backend/internal/metrics"
	"github.com/credgate/backend/internal/model"
	"github.com/credgate/backend/internal/service"
)

const (
	authUserKey  = "auth_user"
	requestIDKey = "request_id"
)

// AuthMiddleware requires a valid bearer access token and stores the caller
// identity for GetAuthUser.
func AuthMiddleware(authService *service.AuthService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(service.CodeUnauthorized, "Access token required"))
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(service.CodeUnauthorized, "Access token required"))
			return
		}

		user, err := authService.Authenticate(token)
		if err != nil {
			writeError(c, log, err)
			return
		}

		c.Set(authUserKey, user)
		c.Next()
	}
}

// RequirePermission rejects callers whose token lacks perm. It runs after
// AuthMiddleware.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := GetAuthUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(service.CodeUnauthorized, "Access token required"))
			return
		}
		if !user.HasPermission(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				newErrorResponse(service.CodeForbidden, "Insufficient permissions"))
			return
		}
		c.Next()
	}
}

func GetAuthUser(c *gin.Context) *model.AuthUser {
	if value, ok := c.Get(authUserKey); ok {
		if user, ok := value.(*model.AuthUser); ok {
			return user
		}
	}
	return nil
}

// RateLimit admits requests per client IP against category. Limiter faults
// let the request through.
func RateLimit(limiter *service.Limiter, category service.Category, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := limiter.Admit(c.Request.Context(), c.ClientIP(), category)
		if err != nil {
			log.Warn().Err(err).Str("category", string(category)).Msg("rate limiter unavailable")
		}
		if d.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
		if d.Allowed {
			c.Next()
			return
		}

		retryAfter := int64(math.Ceil(d.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))

		resp := newErrorResponse(service.CodeRateLimited, "Too many requests, please try again later.")
		resp.RetryAfter = &retryAfter
		c.AbortWithStatusJSON(http.StatusTooManyRequests, resp)
	}
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// RequestLogger logs every finished request and records it in the HTTP
// metrics.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		metrics.ObserveHTTP(c.Request.Method, c.FullPath(), status, latency)

		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		default:
			ev = log.Debug()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(requestIDKey)).
			Msg("request completed")
	}
}

func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("error", fmt.Sprint(rec)).
					Str("stack", string(debug.Stack())).
					Str("path", c.Request.URL.Path).
					Str("request_id", c.GetString(requestIDKey)).
					Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					newErrorResponse(service.CodeInternal, internalErrorMessage))
			}
		}()
		c.Next()
	}
}

func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originMap := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		originMap[trimmed] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := originMap[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
				c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				c.Header("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-Request-Id")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
