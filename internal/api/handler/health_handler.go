package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobrelay/internal/api/dto"
)

// HealthHandler reports liveness and broker reachability
type HealthHandler struct {
	logger  *slog.Logger
	queue   JobQueue
	service string
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:  deps.Logger,
		queue:   deps.Queue,
		service: deps.ServiceName,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.queue.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, dto.HealthResponse{
			Status:  "unhealthy",
			Service: h.service,
			Broker:  "unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, dto.HealthResponse{
		Status:  "healthy",
		Service: h.service,
		Broker:  "ok",
	})
}
