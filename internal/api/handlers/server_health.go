package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetReadiness handles GET /health/ready.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := map[string]string{"database": "ok"}
	status := http.StatusOK

	if err := s.pool.Ping(c.Request.Context()); err != nil {
		checks["database"] = "error"
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"status": checks["database"], "checks": checks})
}
