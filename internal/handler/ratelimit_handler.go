package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/task-api/internal/service"
	appErrors "github.com/noah-isme/task-api/pkg/errors"
	"github.com/noah-isme/task-api/pkg/response"
)

// RateLimitHandler exposes the admin view of the in-memory limiter.
type RateLimitHandler struct {
	limiter *service.RateLimitService
}

// NewRateLimitHandler creates a new handler.
func NewRateLimitHandler(limiter *service.RateLimitService) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

// Stats godoc
// @Summary Rate limiter statistics
// @Description Remaining budget per tracked client/category bucket
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /admin/ratelimit [get]
func (h *RateLimitHandler) Stats(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.limiter.Stats(), nil)
}

// Reset godoc
// @Summary Reset rate limiter state for a client
// @Description Drop all category buckets tracked for the given client key
// @Tags Admin
// @Produce json
// @Param client path string true "Client key"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /admin/ratelimit/{client} [delete]
func (h *RateLimitHandler) Reset(c *gin.Context) {
	client := c.Param("client")
	if client == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "client key required"))
		return
	}
	h.limiter.Reset(client)
	response.JSON(c, http.StatusOK, gin.H{"message": "rate limit state reset", "client": client}, nil)
}
