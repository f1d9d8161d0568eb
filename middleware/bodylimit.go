package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tubeconv/models"
)

// BodyLimit rejects requests that declare a body over max bytes and caps the
// reader for those that do not declare one.
func BodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, PayloadTooLarge(GetRequestID(c)))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		}
		c.Next()
	}
}

func PayloadTooLarge(requestID string) models.ErrorResponse {
	return models.ErrorResponse{
		Success:   false,
		Error:     "Request body too large",
		Code:      "PAYLOAD_TOO_LARGE",
		RequestID: requestID,
	}
}
