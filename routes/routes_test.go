package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tubeconv/config"
	"tubeconv/models"
	"tubeconv/services"
	"tubeconv/services/servicestest"
)

const videoURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router    *gin.Engine
	tools     *servicestest.Tools
	converter *services.ConversionService
	downloads string
}

func setupTestServer(t *testing.T, tools *servicestest.Tools, configure func(*config.Config)) *testServer {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Env:               "test",
		DownloadsDir:      filepath.Join(root, "downloads"),
		TempDir:           filepath.Join(root, "temp"),
		MaxBodySize:       config.DefaultMaxBodySize,
		YtDlpPath:         "yt-dlp",
		FFmpegPath:        "ffmpeg",
		AllowedVideoHosts: []string{"youtube.com", "youtu.be"},
		Retention:         time.Hour,
		GeneralLimit:      config.RateLimit{Max: 1000, Window: time.Minute},
		ConvertLimit:      config.RateLimit{Max: 1000, Window: time.Minute},
		PreviewLimit:      config.RateLimit{Max: 1000, Window: time.Minute},
		PreviewCacheTTL:   time.Minute,
		HealthCacheTTL:    time.Minute,
	}
	if configure != nil {
		configure(cfg)
	}

	logger := zaptest.NewLogger(t)
	lifecycle := services.NewLifecycleManager(services.LifecycleConfig{
		Dir:       cfg.DownloadsDir,
		Retention: cfg.Retention,
	}, nil, logger)
	t.Cleanup(lifecycle.Stop)

	converter := services.NewConversionService(
		services.ConverterConfig{TempDir: cfg.TempDir, OutputDir: cfg.DownloadsDir},
		services.NewURLValidator(cfg.AllowedVideoHosts, cfg.StrictYouTubeURLs),
		services.NewMetadataFetcher(tools, cfg.YtDlpPath, 0, logger),
		services.NewDownloader(tools, cfg.YtDlpPath, cfg.FFmpegPath, 0, logger),
		services.NewTranscoder(tools, cfg.FFmpegPath, 0, logger),
		lifecycle,
		logger,
	)

	router := SetupRoutes(Dependencies{
		Config:    cfg,
		Converter: converter,
		Runner:    tools,
		Logger:    logger,
	})
	return &testServer{router: router, tools: tools, converter: converter, downloads: cfg.DownloadsDir}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, code, body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestHealthCheck(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	w := s.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "OK", health.Status)
	assert.Equal(t, map[string]string{"yt-dlp": "OK", "ffmpeg": "OK"}, health.Dependencies)
	assert.NotZero(t, health.Memory.HeapUsed)
	_, err := time.Parse(time.RFC3339, health.Timestamp)
	assert.NoError(t, err)

	w = s.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Len(t, s.tools.CallsTo("yt-dlp"), 1)
}

func TestHealthCheckDegraded(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{Missing: map[string]bool{"ffmpeg": true}}, nil)

	w := s.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "DEGRADED", health.Status)
	assert.Equal(t, "ERROR", health.Dependencies["ffmpeg"])
	assert.Equal(t, "OK", health.Dependencies["yt-dlp"])

	// failures are never cached
	w = s.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
}

func TestStatus(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	w := s.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "TubeConv API", status.Service)
	assert.Equal(t, "1.0.0", status.Version)
	assert.Equal(t, "operational", status.Status)
	assert.Contains(t, status.Endpoints, "convertFormat")
}

func TestCORSPreflight(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	w := s.do(http.MethodOptions, "/api/convert", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDEchoed(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/preview", strings.NewReader(`{}`))
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", decode(t, w)["requestId"])
}

func TestUnknownAPIRoute(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)
	assertError(t, s.do(http.MethodGet, "/api/nope", ""), http.StatusNotFound, "NOT_FOUND")
}

func TestPreview(t *testing.T) {
	tools := &servicestest.Tools{Info: servicestest.Info{
		Title:          "Never Gonna Give You Up",
		Thumbnail:      "https://i.ytimg.com/vi/dQw4w9WgXcQ/hq.jpg",
		Duration:       212,
		DurationString: "3:32",
		Channel:        "Rick Astley",
		ViewCount:      1500000000,
		UploadDate:     "20091025",
	}}
	s := setupTestServer(t, tools, nil)

	w := s.do(http.MethodPost, "/api/preview", fmt.Sprintf(`{"url":%q}`, videoURL))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	var preview models.PreviewResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preview))
	assert.True(t, preview.Success)
	assert.Equal(t, "Never Gonna Give You Up", preview.VideoTitle)
	assert.Equal(t, "3:32", preview.Duration)
	assert.Equal(t, "Rick Astley", preview.Channel)
	assert.Equal(t, "2009-10-25", preview.UploadDate)
	assert.NotEmpty(t, preview.RequestID)

	w = s.do(http.MethodPost, "/api/preview", fmt.Sprintf(`{"url":%q}`, videoURL))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Len(t, s.tools.CallsTo("yt-dlp"), 1)
}

func TestPreviewValidation(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty object", `{}`, services.CodeMissingURL},
		{"empty body", ``, services.CodeMissingURL},
		{"private address", `{"url":"http://127.0.0.1/watch?v=x"}`, services.CodeInvalidURL},
		{"unsupported host", `{"url":"https://example.com/video"}`, services.CodeInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.do(http.MethodPost, "/api/preview", tt.body), http.StatusBadRequest, tt.code)
		})
	}
	assert.Empty(t, s.tools.Calls(), "invalid input never reaches the tools")
}

func TestPreviewToolFailureHidesStderr(t *testing.T) {
	tools := &servicestest.Tools{FailURLs: map[string]error{
		videoURL: &servicestest.ExitError{Code: 1, Stderr: "ERROR: secret internal detail"},
	}}
	s := setupTestServer(t, tools, nil)

	w := s.do(http.MethodPost, "/api/preview", fmt.Sprintf(`{"url":%q}`, videoURL))
	assertError(t, w, http.StatusInternalServerError, "PREVIEW_ERROR")
	assert.NotContains(t, w.Body.String(), "secret internal detail")
}

func TestMalformedJSON(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	for _, path := range []string{"/api/preview", "/api/convert", "/api/convert-format", "/api/batch-convert", "/api/playlist"} {
		assertError(t, s.do(http.MethodPost, path, `{"url":`), http.StatusBadRequest, "INVALID_JSON")
	}
}

func TestOversizedBody(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, func(cfg *config.Config) {
		cfg.MaxBodySize = 64
	})

	body := fmt.Sprintf(`{"url":%q,"metadata":{"title":%q}}`, videoURL, strings.Repeat("a", 100))
	assertError(t, s.do(http.MethodPost, "/api/convert", body), http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE")
}

func TestConvertAndDownload(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	w := s.do(http.MethodPost, "/api/convert", fmt.Sprintf(`{"url":%q}`, videoURL))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.ConvertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Test Video", resp.VideoTitle)
	assert.Equal(t, models.AudioQuality("320"), resp.AudioQuality)
	assert.Empty(t, resp.Format)
	assert.True(t, strings.HasPrefix(resp.DownloadURL, "http://example.com/downloads/"), resp.DownloadURL)
	assert.True(t, strings.HasSuffix(resp.DownloadURL, ".mp3"), resp.DownloadURL)
	assert.Positive(t, resp.FileSize)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	path := strings.TrimPrefix(resp.DownloadURL, "http://example.com")
	w = s.do(http.MethodGet, path, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.Bytes())

	name := strings.TrimPrefix(path, "/downloads/")
	require.NoError(t, s.converter.Lifecycle().Delete(context.Background(), filepath.Join(s.downloads, name)))

	w = s.do(http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConvertFormat(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{DownloadExt: "mp4"}, nil)

	w := s.do(http.MethodPost, "/api/convert-format", fmt.Sprintf(`{"url":%q,"format":"MP4","videoQuality":"480"}`, videoURL))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.ConvertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.FormatMP4, resp.Format)
	assert.Equal(t, models.VideoQuality("480"), resp.VideoQuality)
	assert.Empty(t, resp.AudioQuality)
	assert.True(t, strings.HasSuffix(resp.DownloadURL, ".mp4"))
}

func TestConvertFormatValidation(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"unsupported format", fmt.Sprintf(`{"url":%q,"format":"ogg"}`, videoURL), services.CodeInvalidFormat},
		{"bad audio quality", fmt.Sprintf(`{"url":%q,"audioQuality":"64"}`, videoURL), services.CodeInvalidQuality},
		{"bad video quality", fmt.Sprintf(`{"url":%q,"format":"mp4","videoQuality":"4k"}`, videoURL), services.CodeInvalidQuality},
		{"title too long", fmt.Sprintf(`{"url":%q,"metadata":{"title":%q}}`, videoURL, strings.Repeat("t", 101)), services.CodeTitleTooLong},
		{"artist too long", fmt.Sprintf(`{"url":%q,"metadata":{"artist":%q}}`, videoURL, strings.Repeat("a", 101)), services.CodeArtistTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, s.do(http.MethodPost, "/api/convert-format", tt.body), http.StatusBadRequest, tt.code)
		})
	}
}

func TestNonScalarQualityIsInvalidQuality(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	for _, raw := range []string{`true`, `{}`, `[320]`} {
		t.Run("audio "+raw, func(t *testing.T) {
			body := fmt.Sprintf(`{"url":%q,"audioQuality":%s}`, videoURL, raw)
			assertError(t, s.do(http.MethodPost, "/api/convert", body), http.StatusBadRequest, services.CodeInvalidQuality)
		})
		t.Run("video "+raw, func(t *testing.T) {
			body := fmt.Sprintf(`{"url":%q,"format":"mp4","videoQuality":%s}`, videoURL, raw)
			assertError(t, s.do(http.MethodPost, "/api/convert-format", body), http.StatusBadRequest, services.CodeInvalidQuality)
		})
	}
	assert.Empty(t, s.tools.Calls())
}

func TestConvertTitleAtLimit(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	body := fmt.Sprintf(`{"url":%q,"metadata":{"title":%q}}`, videoURL, strings.Repeat("t", 100))
	w := s.do(http.MethodPost, "/api/convert", body)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestConvertToolFailure(t *testing.T) {
	tools := &servicestest.Tools{TranscodeErr: errors.New("encoder exploded")}
	s := setupTestServer(t, tools, nil)

	w := s.do(http.MethodPost, "/api/convert", fmt.Sprintf(`{"url":%q}`, videoURL))
	assertError(t, w, http.StatusInternalServerError, "CONVERSION_ERROR")
	assert.NotContains(t, w.Body.String(), "encoder exploded")
}

func TestBatchConvert(t *testing.T) {
	failing := "https://youtu.be/broken00000"
	tools := &servicestest.Tools{FailURLs: map[string]error{failing: errors.New("video unavailable")}}
	s := setupTestServer(t, tools, nil)

	body := fmt.Sprintf(`{"urls":[%q,%q,"https://example.com/x"]}`, videoURL, failing)
	w := s.do(http.MethodPost, "/api/batch-convert", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, models.BatchSummary{Total: 3, Successful: 1, Failed: 2}, resp.Summary)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, videoURL, resp.Results[0].URL)
	assert.True(t, strings.HasSuffix(resp.Results[0].DownloadURL, ".mp3"))

	require.Len(t, resp.Errors, 2)
	assert.Equal(t, failing, resp.Errors[0].URL)
	assert.Equal(t, "CONVERSION_ERROR", resp.Errors[0].Code)
	assert.Equal(t, services.CodeInvalidURL, resp.Errors[1].Code)
}

func TestBatchConvertValidation(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, nil)

	urls := make([]string, 11)
	for i := range urls {
		urls[i] = fmt.Sprintf("%q", videoURL)
	}
	assertError(t, s.do(http.MethodPost, "/api/batch-convert", `{"urls":[`+strings.Join(urls, ",")+`]}`),
		http.StatusBadRequest, services.CodeTooManyURLs)
	assertError(t, s.do(http.MethodPost, "/api/batch-convert", `{"urls":[]}`),
		http.StatusBadRequest, services.CodeMissingURLs)
	assertError(t, s.do(http.MethodPost, "/api/batch-convert", `{}`),
		http.StatusBadRequest, services.CodeMissingURLs)
	assert.Empty(t, s.tools.Calls())
}

func TestPlaylist(t *testing.T) {
	entries := make([]servicestest.Entry, 7)
	for i := range entries {
		entries[i] = servicestest.Entry{ID: fmt.Sprintf("vid%08d", i), Title: fmt.Sprintf("Track %d", i+1)}
	}
	tools := &servicestest.Tools{Info: servicestest.Info{ID: "PL123", Title: "Mix", Entries: entries}}
	s := setupTestServer(t, tools, nil)

	w := s.do(http.MethodPost, "/api/playlist", `{"url":"https://www.youtube.com/playlist?list=PL123"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.PlaylistResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "PL123", resp.PlaylistID)
	assert.Equal(t, "Mix", resp.PlaylistTitle)
	assert.Equal(t, 7, resp.TotalVideos)
	assert.Len(t, resp.VideoURLs, 7)
	assert.Equal(t, "https://www.youtube.com/watch?v=vid00000000", resp.VideoURLs[0])
	assert.Len(t, resp.PreviewVideos, 5)
}

func TestPlaylistStrictYouTubeURLs(t *testing.T) {
	tools := &servicestest.Tools{Info: servicestest.Info{ID: "PL123", Title: "Mix", Entries: []servicestest.Entry{{ID: "vid00000000", Title: "One"}}}}
	s := setupTestServer(t, tools, func(cfg *config.Config) {
		cfg.StrictYouTubeURLs = true
	})

	w := s.do(http.MethodPost, "/api/playlist", `{"url":"https://www.youtube.com/playlist?list=PL123"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/playlist", `{"url":"https://www.youtube.com/channel/UC123"}`)
	assertError(t, w, http.StatusBadRequest, services.CodeInvalidURL)
}

func TestRateLimitPerRoute(t *testing.T) {
	s := setupTestServer(t, &servicestest.Tools{}, func(cfg *config.Config) {
		cfg.ConvertLimit = config.RateLimit{Max: 2, Window: time.Hour}
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(http.MethodPost, "/api/convert", `{}`).Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)

	w := s.do(http.MethodPost, "/api/batch-convert", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "convert routes share one budget")
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.NotContains(t, body, "code")

	w = s.do(http.MethodPost, "/api/preview", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "preview has its own budget")
}
