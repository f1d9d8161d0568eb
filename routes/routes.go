package routes

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tubeconv/cache"
	"tubeconv/config"
	"tubeconv/handlers"
	"tubeconv/middleware"
	"tubeconv/services"
)

// Dependencies is everything the router needs. Redis may be nil, in which
// case rate limits are kept in memory.
type Dependencies struct {
	Config    *config.Config
	Converter handlers.Converter
	Runner    services.Runner
	Cache     cache.Store
	Redis     *redis.Client
	Logger    *zap.Logger
}

func SetupRoutes(deps Dependencies) *gin.Engine {
	cfg := deps.Config

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, "+middleware.RequestIDHeader)
		c.Header("Access-Control-Expose-Headers", middleware.RequestIDHeader+", "+middleware.CacheHeader+", X-RateLimit-Limit")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	router.Use(middleware.BodyLimit(cfg.MaxBodySize))

	// Finished artifacts
	router.Static("/downloads", cfg.DownloadsDir)

	store := deps.Cache
	if store == nil {
		store = cache.NewMemoryStore()
	}

	conversionHandler := handlers.NewConversionHandler(deps.Converter, store, cfg.PreviewCacheTTL, cfg.PublicBaseURL, deps.Logger)
	systemHandler := handlers.NewSystemHandler(deps.Runner, cfg.YtDlpPath, cfg.FFmpegPath, deps.Logger)

	general := middleware.RateLimit("general", newLimiter(deps, cfg.GeneralLimit), cfg.GeneralLimit.Max,
		"Too many requests from this IP, please try again later.", deps.Logger)
	convert := middleware.RateLimit("convert", newLimiter(deps, cfg.ConvertLimit), cfg.ConvertLimit.Max,
		"Too many conversion requests. Please wait before trying again.", deps.Logger)
	preview := middleware.RateLimit("preview", newLimiter(deps, cfg.PreviewLimit), cfg.PreviewLimit.Max,
		"Too many preview requests. Please wait before trying again.", deps.Logger)
	cached := middleware.ResponseCache(store, cfg.HealthCacheTTL, deps.Logger)

	api := router.Group("/api", general)
	{
		api.GET("/health", cached, systemHandler.Health)
		api.GET("/status", cached, systemHandler.Status)

		api.POST("/preview", preview, conversionHandler.Preview)
		api.POST("/playlist", preview, conversionHandler.Playlist)

		api.POST("/convert", convert, conversionHandler.Convert)
		api.POST("/convert-format", convert, conversionHandler.ConvertFormat)
		api.POST("/batch-convert", convert, conversionHandler.BatchConvert)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") || strings.HasPrefix(c.Request.URL.Path, "/downloads/") {
			handlers.NotFound(c)
			return
		}
		c.String(http.StatusNotFound, "Not found")
	})

	return router
}

func newLimiter(deps Dependencies, limit config.RateLimit) middleware.Limiter {
	if deps.Redis != nil {
		return middleware.NewRedisLimiter(deps.Redis, limit.Max, limit.Window, deps.Logger)
	}
	return middleware.NewMemoryLimiter(limit.Max, limit.Window)
}
