package rest

import (
	"net/http"

	"github.com/KevinKickass/loomwatch/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// POST /api/v1/registry/reload
func (s *Server) reloadRegistry(c *gin.Context) {
	count, err := s.lm.ReloadRegistry(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, types.NewErrorResponse("REGISTRY_502", "Registry reload failed", err.Error()))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Registry reloaded, applied at next cycle",
		"devices": count,
	})
}
