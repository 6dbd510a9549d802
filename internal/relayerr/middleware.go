package relayerr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/groups-relay/relay/internal/logger"
)

// ErrorHandler is gin middleware that converts a RelayError attached to
// the gin context into a consistent JSON response for the admin HTTP
// surface (the WS message pipeline has its own error handling stage,
// see internal/pipeline).
func ErrorHandler() gin.HandlerFunc {
	log := logger.Admin()
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()

		if relErr, ok := err.Err.(*RelayError); ok {
			if relErr.StatusCode >= 500 {
				log.Error().Str("prefix", string(relErr.Prefix)).Str("details", relErr.Details).Msg(relErr.Message)
			} else {
				log.Warn().Str("prefix", string(relErr.Prefix)).Msg(relErr.Message)
			}
			c.JSON(relErr.StatusCode, relErr.ToResponse())
			return
		}

		log.Error().Err(err.Err).Msg("unhandled admin error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: string(Notice), Message: "an unexpected error occurred"})
	}
}

// Recovery recovers panics in admin HTTP handlers.
func Recovery() gin.HandlerFunc {
	log := logger.Admin()
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("recovered from panic in admin handler")
				c.JSON(http.StatusInternalServerError, ErrorResponse{Error: string(Notice), Message: "an unexpected error occurred"})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HandleError records err on the gin context and writes its response.
func HandleError(c *gin.Context, err error) {
	if relErr, ok := err.(*RelayError); ok {
		c.Error(relErr)
		c.JSON(relErr.StatusCode, relErr.ToResponse())
		return
	}
	internal := Internal(err)
	c.Error(internal)
	c.JSON(internal.StatusCode, internal.ToResponse())
}

// AbortWithError aborts the request immediately with a RelayError.
func AbortWithError(c *gin.Context, err *RelayError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
