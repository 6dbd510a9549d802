// Package middleware provides HTTP middleware for the relay's admin surface.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// TimeoutWithDuration aborts the request with 408 if it has not completed
// within timeout, running the handler chain in a goroutine so the abort
// can race its completion.
func TimeoutWithDuration(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
			return
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error":   "request timeout",
				"timeout": timeout.String(),
			})
		}
	}
}
