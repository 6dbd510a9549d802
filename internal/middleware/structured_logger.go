// Package middleware provides HTTP middleware for the relay's admin surface.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/groups-relay/relay/internal/logger"
)

// StructuredLogger provides structured logging for all requests on the
// admin HTTP surface. Logs include request ID, method, path, status,
// duration, and client IP.
func StructuredLogger() gin.HandlerFunc {
	log := logger.Admin()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		entry := log.Info()
		if status >= 500 {
			entry = log.Error()
		} else if status >= 400 {
			entry = log.Warn()
		}

		entry = entry.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent())

		if len(c.Errors) > 0 {
			entry = entry.Str("errors", c.Errors.String())
		}
		entry.Msg("admin request")
	}
}

