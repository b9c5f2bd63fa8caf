package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/credgate/backend/internal/model"
	"github.com/credgate/backend/internal/service"
)

// RateLimits godoc
// @Summary List the configured rate limit quotas
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.RateLimitsResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 403 {object} model.ErrorResponse
// @Router /api/v1/admin/rate-limits [get]
func RateLimits(limiter *service.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, model.RateLimitsResponse{RateLimits: limiter.Quotas()})
	}
}
