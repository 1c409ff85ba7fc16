package http

import (
	"context"
	"net/http"
	"time"

	"navideo/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker     *monitoring.HealthChecker
	connections func() int
	instanceID  string
	started     time.Time
}

func NewHealthHandler(checker *monitoring.HealthChecker, connections func() int, instanceID string) *HealthHandler {
	return &HealthHandler{
		checker:     checker,
		connections: connections,
		instanceID:  instanceID,
		started:     time.Now(),
	}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health reports liveness only.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      monitoring.StatusHealthy,
		"instance_id": h.instanceID,
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"connections": h.connections(),
	})
}

// Ready runs every dependency check.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
