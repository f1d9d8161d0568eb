package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAllowedVideoHosts = "youtube.com,youtu.be,youtube-nocookie.com,vimeo.com,soundcloud.com,dailymotion.com"
	DefaultMaxBodySize       = 1 << 20
)

// RateLimit is a request budget per client inside a window.
type RateLimit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	Port     string
	Env      string
	LogLevel string

	DownloadsDir  string
	TempDir       string
	PublicBaseURL string
	MaxBodySize   int64

	YtDlpPath       string
	FFmpegPath      string
	ToolTimeout     time.Duration
	MetadataTimeout time.Duration

	AllowedVideoHosts  []string
	StrictYouTubeURLs  bool
	MaxConcurrentJobs  int
	DefaultVideoHeight int

	Retention     time.Duration
	SweepInterval time.Duration
	SweepMaxAge   time.Duration

	GeneralLimit RateLimit
	ConvertLimit RateLimit
	PreviewLimit RateLimit

	PreviewCacheTTL time.Duration
	HealthCacheTTL  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSS3Bucket        string
	AWSS3Endpoint      string
	AWSS3Prefix        string

	// EnvFileLoaded reports whether a .env file was found.
	EnvFileLoaded bool
	// Warnings collects values that could not be parsed and fell back to defaults.
	Warnings []string
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	loaded := godotenv.Load() == nil
	cfg := FromEnv()
	cfg.EnvFileLoaded = loaded
	return cfg
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	p := &parser{}

	cfg := &Config{
		Port:     getEnv("PORT", "3000"),
		Env:      getEnv("ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DownloadsDir:  getEnv("DOWNLOADS_DIR", "downloads"),
		TempDir:       getEnv("TEMP_DIR", "temp"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		MaxBodySize:   parseFileSize(getEnv("MAX_BODY_SIZE", "1MB"), DefaultMaxBodySize),

		YtDlpPath:       getEnv("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		ToolTimeout:     p.duration("TOOL_TIMEOUT", 10*time.Minute),
		MetadataTimeout: p.duration("METADATA_TIMEOUT", 45*time.Second),

		AllowedVideoHosts:  splitAndClean(getEnv("ALLOWED_VIDEO_HOSTS", DefaultAllowedVideoHosts)),
		StrictYouTubeURLs:  getEnvBool("STRICT_YOUTUBE_URLS", false),
		MaxConcurrentJobs:  p.integer("MAX_CONCURRENT_JOBS", 0),
		DefaultVideoHeight: p.integer("DEFAULT_VIDEO_HEIGHT", 720),

		Retention:     p.duration("RETENTION", 30*time.Minute),
		SweepInterval: p.duration("SWEEP_INTERVAL", time.Hour),
		SweepMaxAge:   p.duration("SWEEP_MAX_AGE", 30*time.Minute),

		GeneralLimit: RateLimit{
			Max:    p.integer("RATE_LIMIT_MAX", 100),
			Window: p.duration("RATE_LIMIT_WINDOW", 15*time.Minute),
		},
		ConvertLimit: RateLimit{
			Max:    p.integer("CONVERT_RATE_LIMIT_MAX", 5),
			Window: p.duration("CONVERT_RATE_LIMIT_WINDOW", 15*time.Minute),
		},
		PreviewLimit: RateLimit{
			Max:    p.integer("PREVIEW_RATE_LIMIT_MAX", 20),
			Window: p.duration("PREVIEW_RATE_LIMIT_WINDOW", 5*time.Minute),
		},

		PreviewCacheTTL: p.duration("PREVIEW_CACHE_TTL", 5*time.Minute),
		HealthCacheTTL:  p.duration("HEALTH_CACHE_TTL", 30*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       p.integer("REDIS_DB", 0),

		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSS3Bucket:        getEnv("AWS_S3_BUCKET", ""),
		AWSS3Endpoint:      getEnv("AWS_S3_ENDPOINT", ""),
		AWSS3Prefix:        getEnv("AWS_S3_PREFIX", "artifacts/"),
	}

	if cfg.DefaultVideoHeight <= 0 {
		p.warn("DEFAULT_VIDEO_HEIGHT must be positive, using 720")
		cfg.DefaultVideoHeight = 720
	}
	if cfg.MaxConcurrentJobs < 0 {
		p.warn("MAX_CONCURRENT_JOBS must not be negative, disabling the cap")
		cfg.MaxConcurrentJobs = 0
	}

	cfg.Warnings = p.warnings
	return cfg
}

// S3Enabled reports whether the artifact mirror has enough settings to start.
func (c *Config) S3Enabled() bool {
	return c.AWSS3Bucket != "" && c.AWSAccessKeyID != "" && c.AWSSecretAccessKey != ""
}

// RedisEnabled reports whether a shared Redis backend is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// WriteTimeout is how long the server may take to answer a request that runs
// up to batchSize jobs back to back. Each job gets its metadata call plus the
// download and transcode calls, and a minute of slack. Zero when tool calls
// have no deadline.
func (c *Config) WriteTimeout(batchSize int) time.Duration {
	if c.ToolTimeout <= 0 {
		return 0
	}
	if batchSize < 1 {
		batchSize = 1
	}
	perJob := c.MetadataTimeout + 2*c.ToolTimeout + time.Minute
	return time.Duration(batchSize) * perJob
}

func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

type parser struct {
	warnings []string
}

func (p *parser) warn(msg string) {
	p.warnings = append(p.warnings, msg)
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		p.warn(fmt.Sprintf("%s=%q is not a positive duration, using %s", key, value, defaultValue))
		return defaultValue
	}
	return d
}

func (p *parser) integer(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.warn(fmt.Sprintf("%s=%q is not an integer, using %d", key, value, defaultValue))
		return defaultValue
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if value == "true" || value == "1" {
			return true
		}
		return false
	}
	return defaultValue
}

// splitAndClean splits a comma-separated list and drops empty entries.
func splitAndClean(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if t := strings.ToLower(strings.TrimSpace(part)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseFileSize(sizeStr string, defaultValue int64) int64 {
	sizeStr = strings.ToUpper(strings.TrimSpace(sizeStr))
	if len(sizeStr) < 2 {
		return defaultValue
	}

	// Plain byte counts are accepted too.
	if n, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if n <= 0 {
			return defaultValue
		}
		return n
	}

	size, err := strconv.ParseInt(sizeStr[:len(sizeStr)-2], 10, 64)
	if err != nil || size <= 0 {
		return defaultValue
	}

	unit := sizeStr[len(sizeStr)-2:]
	switch unit {
	case "KB":
		return size * 1024
	case "MB":
		return size * 1024 * 1024
	case "GB":
		return size * 1024 * 1024 * 1024
	default:
		return defaultValue
	}
}
