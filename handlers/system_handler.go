package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tubeconv/models"
	"tubeconv/services"
)

const (
	ServiceName    = "TubeConv API"
	ServiceVersion = "1.0.0"

	dependencyTimeout = 5 * time.Second
)

type SystemHandler struct {
	runner     services.Runner
	ytDlpPath  string
	ffmpegPath string
	startedAt  time.Time
	logger     *zap.Logger
}

func NewSystemHandler(runner services.Runner, ytDlpPath, ffmpegPath string, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		runner:     runner,
		ytDlpPath:  ytDlpPath,
		ffmpegPath: ffmpegPath,
		startedAt:  time.Now(),
		logger:     logger,
	}
}

// Health probes both external tools. Any missing tool makes the service
// DEGRADED and the status 503.
func (h *SystemHandler) Health(c *gin.Context) {
	deps := h.checkDependencies(c.Request.Context())

	status, code := "OK", http.StatusOK
	for _, s := range deps {
		if s != "OK" {
			status, code = "DEGRADED", http.StatusServiceUnavailable
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(code, models.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startedAt).Seconds(),
		Memory: models.MemoryStats{
			RSS:       mem.Sys,
			HeapTotal: mem.HeapSys,
			HeapUsed:  mem.HeapAlloc,
		},
		Dependencies: deps,
	})
}

func (h *SystemHandler) checkDependencies(ctx context.Context) map[string]string {
	probes := map[string][]string{
		"yt-dlp": {h.ytDlpPath, "--version"},
		"ffmpeg": {h.ffmpegPath, "-version"},
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		deps = make(map[string]string, len(probes))
	)
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe []string) {
			defer wg.Done()
			status := "OK"
			if _, err := h.runner.Run(services.WithTimeout(ctx, dependencyTimeout), probe[0], probe[1:]...); err != nil {
				h.logger.Warn("dependency check failed", zap.String("tool", name), zap.Error(err))
				status = "ERROR"
			}
			mu.Lock()
			deps[name] = status
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()
	return deps
}

// Status describes the service and its routes.
func (h *SystemHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{
		Service: ServiceName,
		Version: ServiceVersion,
		Status:  "operational",
		Endpoints: map[string]string{
			"health":        "GET /api/health",
			"status":        "GET /api/status",
			"preview":       "POST /api/preview",
			"convert":       "POST /api/convert",
			"convertFormat": "POST /api/convert-format",
			"batchConvert":  "POST /api/batch-convert",
			"playlist":      "POST /api/playlist",
			"downloads":     "GET /downloads/:file",
		},
	})
}

// NotFound answers unknown routes with the error envelope.
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, models.ErrorResponse{
		Success: false,
		Error:   "Not found",
		Code:    "NOT_FOUND",
	})
}
