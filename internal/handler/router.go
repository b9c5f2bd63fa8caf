package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/credgate/backend/internal/metrics"
	"github.com/credgate/backend/internal/model"
	"github.com/credgate/backend/internal/service"
)

type RouterConfig struct {
	Auth           *service.AuthService
	Limiter        *service.Limiter
	Logger         zerolog.Logger
	AllowedOrigins []string
	TrustedProxies []string
}

// NewRouter wires middleware and routes. Every /api/v1 route counts against
// the general quota; credential routes also count against the auth quota.
func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	router.Use(
		RequestID(),
		RequestLogger(cfg.Logger),
		Recovery(cfg.Logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	router.GET("/ping", Ping)
	router.GET("/", Root)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/openapi.json", OpenAPIDoc)

	authHandler := NewAuthHandler(cfg.Auth, cfg.Logger)
	requireAuth := AuthMiddleware(cfg.Auth, cfg.Logger)
	strict := RateLimit(cfg.Limiter, service.CategoryAuth, cfg.Logger)

	api := router.Group("/api/v1", RateLimit(cfg.Limiter, service.CategoryGeneral, cfg.Logger))
	{
		auth := api.Group("/auth")
		auth.POST("/register", strict, authHandler.Register)
		auth.POST("/login", strict, authHandler.Login)
		auth.POST("/refresh", strict, authHandler.Refresh)
		auth.POST("/forgot", strict, authHandler.ForgotPassword)
		auth.POST("/reset", strict, authHandler.ResetPassword)
		auth.GET("/profile", requireAuth, authHandler.Profile)
		auth.POST("/logout", requireAuth, authHandler.Logout)

		admin := api.Group("/admin", requireAuth, RequirePermission(model.PermissionAdmin))
		admin.GET("/rate-limits", RateLimits(cfg.Limiter))
	}

	return router, nil
}
