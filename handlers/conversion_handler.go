package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tubeconv/cache"
	"tubeconv/middleware"
	"tubeconv/models"
	"tubeconv/services"
)

const (
	codeInvalidJSON      = "INVALID_JSON"
	codePreviewError     = "PREVIEW_ERROR"
	codeConversionError  = "CONVERSION_ERROR"
	codeFormatError      = "FORMAT_CONVERSION_ERROR"
	codeBatchError       = "BATCH_CONVERSION_ERROR"
	codePlaylistError    = "PLAYLIST_ERROR"
	downloadsRoutePrefix = "/downloads/"
)

// Converter is the pipeline the handlers drive.
type Converter interface {
	Preview(ctx context.Context, url string) (*models.VideoInfo, error)
	Convert(ctx context.Context, requestID string, req models.ConversionRequest) (*services.ConversionResult, error)
	ConvertBatch(ctx context.Context, requestID string, req models.BatchRequest) (*services.BatchResult, error)
	Playlist(ctx context.Context, url string) (*services.PlaylistResult, error)
	CheckURL(raw string) error
}

type ConversionHandler struct {
	converter     Converter
	previewCache  cache.Store
	previewTTL    time.Duration
	publicBaseURL string
	logger        *zap.Logger
}

func NewConversionHandler(converter Converter, previewCache cache.Store, previewTTL time.Duration, publicBaseURL string, logger *zap.Logger) *ConversionHandler {
	return &ConversionHandler{
		converter:     converter,
		previewCache:  previewCache,
		previewTTL:    previewTTL,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
	}
}

// Preview returns metadata for a URL without converting it.
func (h *ConversionHandler) Preview(c *gin.Context) {
	start := time.Now()
	requestID := middleware.GetRequestID(c)

	var req models.URLRequest
	if !decodeJSON(c, &req) {
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := h.converter.CheckURL(req.URL); err != nil {
		h.respondError(c, err, codePreviewError, "Failed to fetch video information")
		return
	}

	info, hit := h.cachedPreview(c.Request.Context(), req.URL)
	if hit {
		c.Header(middleware.CacheHeader, "HIT")
	} else {
		var err error
		info, err = h.converter.Preview(c.Request.Context(), req.URL)
		if err != nil {
			h.respondError(c, err, codePreviewError, "Failed to fetch video information")
			return
		}
		h.storePreview(c.Request.Context(), req.URL, info)
		c.Header(middleware.CacheHeader, "MISS")
	}

	c.JSON(http.StatusOK, models.PreviewResponse{
		Success:        true,
		RequestID:      requestID,
		VideoTitle:     info.Title,
		ThumbnailURL:   info.ThumbnailURL,
		Duration:       info.Duration,
		Channel:        info.Channel,
		ViewCount:      info.ViewCount,
		UploadDate:     info.UploadDate,
		ProcessingTime: time.Since(start).Milliseconds(),
	})
}

func (h *ConversionHandler) cachedPreview(ctx context.Context, url string) (*models.VideoInfo, bool) {
	if h.previewCache == nil || h.previewTTL <= 0 {
		return nil, false
	}
	data, ok, err := h.previewCache.Get(ctx, "preview:"+url)
	if err != nil {
		h.logger.Warn("preview cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var info models.VideoInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false
	}
	return &info, true
}

func (h *ConversionHandler) storePreview(ctx context.Context, url string, info *models.VideoInfo) {
	if h.previewCache == nil || h.previewTTL <= 0 {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := h.previewCache.Set(ctx, "preview:"+url, data, h.previewTTL); err != nil {
		h.logger.Warn("preview cache write failed", zap.Error(err))
	}
}

// Convert produces an mp3.
func (h *ConversionHandler) Convert(c *gin.Context) {
	var req models.ConversionRequest
	if !decodeJSON(c, &req) {
		return
	}
	req.Format = models.FormatMP3
	req.VideoQuality = ""
	h.convert(c, req, false, codeConversionError, "Conversion failed")
}

// ConvertFormat produces any supported format.
func (h *ConversionHandler) ConvertFormat(c *gin.Context) {
	var req models.ConversionRequest
	if !decodeJSON(c, &req) {
		return
	}
	h.convert(c, req, true, codeFormatError, "Format conversion failed")
}

func (h *ConversionHandler) convert(c *gin.Context, req models.ConversionRequest, withFormat bool, code, message string) {
	start := time.Now()
	requestID := middleware.GetRequestID(c)

	result, err := h.converter.Convert(c.Request.Context(), requestID, req)
	if err != nil {
		h.respondError(c, err, code, message)
		return
	}

	resp := models.ConvertResponse{
		Success:        true,
		RequestID:      requestID,
		VideoTitle:     result.Info.Title,
		ThumbnailURL:   result.Info.ThumbnailURL,
		Duration:       result.Info.Duration,
		DownloadURL:    h.downloadURL(c, result.Artifact.Name),
		MirrorURL:      result.Artifact.MirrorURL,
		FileSize:       result.FileSize,
		ExpiresAt:      result.Artifact.ExpiresAt.UTC(),
		ProcessingTime: time.Since(start).Milliseconds(),
	}
	if withFormat {
		resp.Format = result.Format
	}
	if result.Format.IsVideo() {
		resp.VideoQuality = result.VideoQuality
	} else {
		resp.AudioQuality = result.AudioQuality
	}
	c.JSON(http.StatusOK, resp)
}

// BatchConvert converts up to ten URLs to mp3, one after another. Per-URL
// failures are reported in the body of a 200 response.
func (h *ConversionHandler) BatchConvert(c *gin.Context) {
	start := time.Now()
	requestID := middleware.GetRequestID(c)

	var req models.BatchRequest
	if !decodeJSON(c, &req) {
		return
	}

	batch, err := h.converter.ConvertBatch(c.Request.Context(), requestID, req)
	if err != nil {
		h.respondError(c, err, codeBatchError, "Batch conversion failed")
		return
	}

	resp := models.BatchResponse{
		Success:   true,
		RequestID: requestID,
		BatchID:   batch.BatchID,
		Results:   []models.BatchItemResult{},
		Errors:    []models.BatchItemError{},
	}
	for _, item := range batch.Items {
		if item.Err != nil {
			code := codeConversionError
			if v, ok := services.IsValidationError(item.Err); ok {
				code = v.Code
			}
			resp.Errors = append(resp.Errors, models.BatchItemError{
				URL:   item.URL,
				Error: services.PublicMessage(item.Err, "Conversion failed"),
				Code:  code,
			})
			continue
		}
		resp.Results = append(resp.Results, models.BatchItemResult{
			URL:         item.URL,
			JobID:       item.Result.JobID,
			VideoTitle:  item.Result.Info.Title,
			Duration:    item.Result.Info.Duration,
			DownloadURL: h.downloadURL(c, item.Result.Artifact.Name),
		})
	}
	resp.Summary = models.BatchSummary{
		Total:      len(batch.Items),
		Successful: len(resp.Results),
		Failed:     len(resp.Errors),
	}
	resp.ProcessingTime = time.Since(start).Milliseconds()

	c.JSON(http.StatusOK, resp)
}

// Playlist lists a playlist's videos with a short preview.
func (h *ConversionHandler) Playlist(c *gin.Context) {
	start := time.Now()
	requestID := middleware.GetRequestID(c)

	var req models.URLRequest
	if !decodeJSON(c, &req) {
		return
	}

	result, err := h.converter.Playlist(c.Request.Context(), req.URL)
	if err != nil {
		h.respondError(c, err, codePlaylistError, "Failed to fetch playlist information")
		return
	}

	urls := make([]string, 0, len(result.Playlist.Entries))
	for _, e := range result.Playlist.Entries {
		urls = append(urls, e.URL)
	}

	c.JSON(http.StatusOK, models.PlaylistResponse{
		Success:        true,
		RequestID:      requestID,
		PlaylistID:     result.Playlist.ID,
		PlaylistTitle:  result.Playlist.Title,
		TotalVideos:    len(result.Playlist.Entries),
		VideoURLs:      urls,
		PreviewVideos:  result.Preview,
		ProcessingTime: time.Since(start).Milliseconds(),
	})
}

// downloadURL points at the static /downloads route, on PUBLIC_BASE_URL when
// set and otherwise on the host the client used.
func (h *ConversionHandler) downloadURL(c *gin.Context, name string) string {
	base := h.publicBaseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		if proto := c.GetHeader("X-Forwarded-Proto"); proto == "https" || proto == "http" {
			scheme = proto
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + downloadsRoutePrefix + name
}

// respondError writes a validation error as 400 and anything else as 500
// under the route's code.
func (h *ConversionHandler) respondError(c *gin.Context, err error, code, message string) {
	requestID := middleware.GetRequestID(c)

	if v, ok := services.IsValidationError(err); ok {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success:   false,
			Error:     v.Message,
			Code:      v.Code,
			RequestID: requestID,
		})
		return
	}

	h.logger.Error("request failed",
		zap.String("request_id", requestID),
		zap.String("path", c.Request.URL.Path),
		zap.String("code", code),
		zap.Error(err),
	)
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Success:   false,
		Error:     services.PublicMessage(err, message),
		Code:      code,
		RequestID: requestID,
	})
}

// decodeJSON reads the body into dst. An empty body decodes as {}. It writes
// the error response itself and returns false on failure.
func decodeJSON(c *gin.Context, dst any) bool {
	requestID := middleware.GetRequestID(c)

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, middleware.PayloadTooLarge(requestID))
				return false
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, invalidJSON(requestID))
			return false
		}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidJSON(requestID))
		return false
	}
	return true
}

func invalidJSON(requestID string) models.ErrorResponse {
	return models.ErrorResponse{
		Success:   false,
		Error:     "Invalid JSON in request body",
		Code:      codeInvalidJSON,
		RequestID: requestID,
	}
}
