package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tubeconv/cache"
	"tubeconv/config"
	"tubeconv/logger"
	"tubeconv/routes"
	"tubeconv/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.LoadConfig()

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("❌ Server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if cfg.EnvFileLoaded {
		log.Info("✅ Loaded .env file")
	}
	for _, w := range cfg.Warnings {
		log.Warn("⚠️  Configuration", zap.String("warning", w))
	}
	log.Info("✅ Configuration loaded successfully",
		zap.String("env", cfg.Env),
		zap.String("downloads_dir", cfg.DownloadsDir),
		zap.String("temp_dir", cfg.TempDir),
	)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	for _, dir := range []string{cfg.DownloadsDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// S3 mirror is optional
	var mirror services.ArtifactMirror
	if cfg.S3Enabled() {
		s3Service, err := services.NewS3Service(ctx, cfg, cfg.Retention, log)
		if err != nil {
			log.Warn("⚠️  Failed to initialize S3 service, running in local mode only", zap.Error(err))
		} else {
			mirror = s3Service
			log.Info("✅ S3 service initialized successfully", zap.String("bucket", cfg.AWSS3Bucket))
		}
	}

	// Redis is optional too; without it caches and rate limits are per process
	var (
		store       cache.Store = cache.NewMemoryStore()
		redisClient *redis.Client
	)
	if cfg.RedisEnabled() {
		client, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("⚠️  Failed to connect to Redis, using in-memory cache and rate limits", zap.Error(err))
		} else {
			redisClient = client
			store = cache.NewRedisStore(client)
			defer client.Close()
			log.Info("✅ Redis connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	runner := services.NewCommandExecutor(cfg.ToolTimeout, log)
	lifecycle := services.NewLifecycleManager(services.LifecycleConfig{
		Dir:           cfg.DownloadsDir,
		Retention:     cfg.Retention,
		SweepInterval: cfg.SweepInterval,
		SweepMaxAge:   cfg.SweepMaxAge,
	}, mirror, log)

	converter := services.NewConversionService(
		services.ConverterConfig{
			TempDir:            cfg.TempDir,
			OutputDir:          cfg.DownloadsDir,
			MaxConcurrentJobs:  cfg.MaxConcurrentJobs,
			DefaultVideoHeight: cfg.DefaultVideoHeight,
		},
		services.NewURLValidator(cfg.AllowedVideoHosts, cfg.StrictYouTubeURLs),
		services.NewMetadataFetcher(runner, cfg.YtDlpPath, cfg.MetadataTimeout, log),
		services.NewDownloader(runner, cfg.YtDlpPath, cfg.FFmpegPath, cfg.ToolTimeout, log),
		services.NewTranscoder(runner, cfg.FFmpegPath, cfg.ToolTimeout, log),
		lifecycle,
		log,
	)
	log.Info("✅ Conversion service initialized successfully")

	lifecycle.Start(ctx)
	defer lifecycle.Stop()

	router := routes.SetupRoutes(routes.Dependencies{
		Config:    cfg,
		Converter: converter,
		Runner:    runner,
		Cache:     store,
		Redis:     redisClient,
		Logger:    log,
	})
	log.Info("✅ Routes configured successfully")

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        router,
		MaxHeaderBytes: 1 << 20,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.WriteTimeout(services.MaxBatchURLs),
		IdleTimeout:    60 * time.Second,
	}

	log.Info("🚀 Starting server", zap.String("addr", server.Addr))
	log.Info("📋 API endpoints:")
	log.Info("  GET    /api/health")
	log.Info("  GET    /api/status")
	log.Info("  POST   /api/preview")
	log.Info("  POST   /api/convert")
	log.Info("  POST   /api/convert-format")
	log.Info("  POST   /api/batch-convert")
	log.Info("  POST   /api/playlist")
	log.Info("  GET    /downloads/:file")

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("🛑 Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("✅ Server stopped")
	return nil
}
