package http

import (
	"time"

	"taskrelay/internal/shared/logging"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs one line per request. The websocket upgrade is logged
// when the connection closes.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		latency := time.Since(start)
		status := c.Writer.Status()
		if status >= 500 {
			logger.Warn("route=%s method=%s status=%d latency_ms=%.2f bytes=%d", route, c.Request.Method, status, float64(latency.Microseconds())/1000.0, c.Writer.Size())
			return
		}
		logger.Debug("route=%s method=%s status=%d latency_ms=%.2f bytes=%d", route, c.Request.Method, status, float64(latency.Microseconds())/1000.0, c.Writer.Size())
	}
}
