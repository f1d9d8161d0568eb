package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tubeconv/models"
)

// Limiter decides whether one more request for key fits in its budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type memoryClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a token bucket per key: max requests at once, refilled at
// max per window. Keys idle for a full window are forgotten, since their
// bucket would be full again anyway.
type MemoryLimiter struct {
	max    int
	window time.Duration
	limit  rate.Limit

	mu        sync.Mutex
	clients   map[string]*memoryClient
	lastPrune time.Time
	now       func() time.Time
}

func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		max:     max,
		window:  window,
		clients: make(map[string]*memoryClient),
		now:     time.Now,
	}
	if max > 0 && window > 0 {
		l.limit = rate.Limit(float64(max) / window.Seconds())
	}
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > l.window {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > l.window {
				delete(l.clients, k)
			}
		}
		l.lastPrune = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &memoryClient{limiter: rate.NewLimiter(l.limit, l.max)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1), nil
}

func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RedisLimiter is a fixed window counter shared by every instance. When Redis
// fails it answers from a local MemoryLimiter.
type RedisLimiter struct {
	client   *redis.Client
	max      int
	window   time.Duration
	fallback *MemoryLimiter
	logger   *zap.Logger
}

func NewRedisLimiter(client *redis.Client, max int, window time.Duration, logger *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		max:      max,
		window:   window,
		fallback: NewMemoryLimiter(max, window),
		logger:   logger,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	windowKey := fmt.Sprintf("tubeconv:ratelimit:%s:%d", key, time.Now().UnixNano()/int64(l.window))
	n, err := l.client.Incr(ctx, windowKey).Result()
	if err != nil {
		l.logger.Warn("rate limit store unavailable, using local counters", zap.Error(err))
		return l.fallback.Allow(ctx, key)
	}
	if n == 1 {
		_ = l.client.Expire(ctx, windowKey, l.window+5*time.Second).Err()
	}
	return n <= int64(l.max), nil
}

// RateLimit enforces limiter per client IP under scope. max is only used for
// the X-RateLimit-Limit header.
func RateLimit(scope string, limiter Limiter, max int, message string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := scope + ":" + c.ClientIP()
		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter error, letting request through", zap.String("scope", scope), zap.Error(err))
			allowed = true
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(max))
		if !allowed {
			logger.Info("rate limit exceeded",
				zap.String("scope", scope),
				zap.String("client_ip", c.ClientIP()),
				zap.String("request_id", GetRequestID(c)),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.RateLimitResponse{
				Success: false,
				Error:   message,
			})
			return
		}
		c.Next()
	}
}
