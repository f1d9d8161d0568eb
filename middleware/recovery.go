package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tubeconv/models"
)

// Recovery turns a panic into the standard 500 envelope.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID := GetRequestID(c)
				logger.Error("Panic recovered",
					zap.String("request_id", requestID),
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", err),
					zap.Stack("stack"),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{
					Success:   false,
					Error:     "Internal server error",
					Code:      "INTERNAL_ERROR",
					RequestID: requestID,
				})
			}
		}()

		c.Next()
	}
}
