package http

import (
	"net/http"

	"livecast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports how many participants are connected.
type ConnectionCounter interface {
	ConnectionCount() int
}

type HealthHandler struct {
	checker *monitoring.HealthChecker
	relay   ConnectionCounter
}

func NewHealthHandler(checker *monitoring.HealthChecker, relay ConnectionCounter) *HealthHandler {
	return &HealthHandler{checker: checker, relay: relay}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	if h.relay != nil {
		if status.Details == nil {
			status.Details = make(map[string]any)
		}
		status.Details["connections"] = h.relay.ConnectionCount()
	}

	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.checker.IsReady(c.Request.Context()) {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Status(http.StatusOK)
}
