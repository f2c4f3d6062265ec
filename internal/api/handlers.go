package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth reports liveness plus a coarse readiness signal: the proxy
// is "ok" once it has at least one active node, "degraded" otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	_, active := s.cache.Stats()
	status := "ok"
	if active == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"service":      "x1-rpc-proxy",
		"uptime_s":     int(time.Since(s.startTime).Seconds()),
		"active_nodes": active,
	})
}

// handleStats exposes the node cache's total/active counts.
func (s *Server) handleStats(c *gin.Context) {
	total, active := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"total_nodes":  total,
		"active_nodes": active,
	})
}

// handlePerformance exposes the min/max observed response time across
// active nodes with a response time sample.
func (s *Server) handlePerformance(c *gin.Context) {
	total, active, minRT, maxRT, ok := s.cache.Performance()
	resp := gin.H{
		"total_nodes":  total,
		"active_nodes": active,
		"has_samples":  ok,
	}
	if ok {
		resp["min_response_time_ms"] = minRT.Milliseconds()
		resp["max_response_time_ms"] = maxRT.Milliseconds()
	}
	c.JSON(http.StatusOK, resp)
}

// handleQueue exposes admission queue occupancy.
func (s *Server) handleQueue(c *gin.Context) {
	available := s.admission.Available()
	c.JSON(http.StatusOK, gin.H{
		"queue_status": gin.H{
			"max_concurrent_requests": s.admission.Capacity(),
			"active_requests":         s.admission.InFlight(),
			"available_slots":         available,
			"queue_full":              available == 0,
		},
	})
}
