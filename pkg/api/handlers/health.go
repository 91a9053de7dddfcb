package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unitlink/unitlink/pkg/api/types"
	"github.com/unitlink/unitlink/pkg/host"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	manager *host.Manager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(manager *host.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Sessions:  len(h.manager.Names()),
		Timestamp: time.Now(),
	})
}
