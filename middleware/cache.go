package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tubeconv/cache"
)

const CacheHeader = "X-Cache"

type cachedResponse struct {
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// ResponseCache serves GET responses from store for ttl. Only 200 responses
// are stored. Every response carries X-Cache: HIT or MISS.
func ResponseCache(store cache.Store, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || ttl <= 0 {
			c.Next()
			return
		}

		key := "response:" + c.Request.URL.RequestURI()
		ctx := c.Request.Context()

		if data, ok, err := store.Get(ctx, key); err != nil {
			logger.Warn("response cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			var cached cachedResponse
			if err := json.Unmarshal(data, &cached); err == nil {
				c.Header(CacheHeader, "HIT")
				c.Data(http.StatusOK, cached.ContentType, cached.Body)
				c.Abort()
				return
			}
		}

		c.Header(CacheHeader, "MISS")
		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		if w.Status() != http.StatusOK || w.body.Len() == 0 {
			return
		}
		data, err := json.Marshal(cachedResponse{
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		})
		if err != nil {
			return
		}
		if err := store.Set(ctx, key, data, ttl); err != nil {
			logger.Warn("response cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
}
