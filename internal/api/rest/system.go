package rest

import (
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
)

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     status.State,
		"timestamp": time.Now().Unix(),
	})
}

// GET /metrics
func (s *Server) metrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.Status(http.StatusOK)
	metrics.WritePrometheus(c.Writer, true)
}

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	status.WSClients = s.wsHub.GetClientCount()
	c.JSON(http.StatusOK, status)
}
