package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tubeconv/models"
)

const unknownValue = "Unknown"

// MetadataFetcher asks yt-dlp about a URL without downloading it.
type MetadataFetcher struct {
	runner    Runner
	ytDlpPath string
	timeout   time.Duration
	logger    *zap.Logger
}

func NewMetadataFetcher(runner Runner, ytDlpPath string, timeout time.Duration, logger *zap.Logger) *MetadataFetcher {
	return &MetadataFetcher{
		runner:    runner,
		ytDlpPath: ytDlpPath,
		timeout:   timeout,
		logger:    logger,
	}
}

type ytDLPInfo struct {
	Title          string   `json:"title"`
	Thumbnail      string   `json:"thumbnail"`
	Duration       *float64 `json:"duration"`
	DurationString string   `json:"duration_string"`
	Channel        string   `json:"channel"`
	Uploader       string   `json:"uploader"`
	ViewCount      *int64   `json:"view_count"`
	UploadDate     string   `json:"upload_date"`
}

type ytDLPPlaylist struct {
	ID      string              `json:"id"`
	Title   string              `json:"title"`
	Entries []ytDLPPlaylistItem `json:"entries"`
}

type ytDLPPlaylistItem struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Duration *float64 `json:"duration"`
}

func (f *MetadataFetcher) withTimeout(ctx context.Context) context.Context {
	if f.timeout > 0 {
		return WithTimeout(ctx, f.timeout)
	}
	return ctx
}

// FetchInfo returns title, thumbnail and duration, which are required, plus
// channel, view count and upload date, which fall back to defaults.
func (f *MetadataFetcher) FetchInfo(ctx context.Context, url string) (*models.VideoInfo, error) {
	ctx = f.withTimeout(ctx)

	out, err := f.runner.Run(ctx, f.ytDlpPath,
		"--dump-single-json",
		"--skip-download",
		"--no-playlist",
		"--no-warnings",
		url,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch video info: %w", err)
	}

	var raw ytDLPInfo
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		f.logger.Warn("structured metadata unreadable, falling back to per-field queries",
			zap.String("url", url), zap.Error(err))
		return f.fetchFields(ctx, url)
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		return nil, errors.New("failed to fetch video info: tool returned no title")
	}

	info := &models.VideoInfo{
		Title:        title,
		ThumbnailURL: strings.TrimSpace(raw.Thumbnail),
		Duration:     strings.TrimSpace(raw.DurationString),
		Channel:      firstNonEmpty(raw.Channel, raw.Uploader, unknownValue),
		UploadDate:   formatUploadDate(raw.UploadDate),
	}
	if raw.Duration != nil {
		info.DurationSeconds = *raw.Duration
		if info.Duration == "" {
			info.Duration = FormatDuration(*raw.Duration)
		}
	}
	if info.Duration == "" {
		info.Duration = unknownValue
	}
	if raw.ViewCount != nil {
		info.ViewCount = *raw.ViewCount
	}
	return info, nil
}

// fetchFields asks for one templated field per call. A failure on a core
// field fails the fetch; optional fields degrade to their defaults.
func (f *MetadataFetcher) fetchFields(ctx context.Context, url string) (*models.VideoInfo, error) {
	title, err := f.printField(ctx, url, "title")
	if err != nil || title == "" {
		return nil, fmt.Errorf("failed to fetch video title: %w", nonNil(err, "empty title"))
	}
	thumbnail, err := f.printField(ctx, url, "thumbnail")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch video thumbnail: %w", err)
	}
	duration, err := f.printField(ctx, url, "duration_string")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch video duration: %w", err)
	}

	info := &models.VideoInfo{
		Title:        title,
		ThumbnailURL: thumbnail,
		Duration:     firstNonEmpty(duration, unknownValue),
		Channel:      unknownValue,
		UploadDate:   unknownValue,
	}

	if channel, err := f.printField(ctx, url, "channel"); err == nil {
		info.Channel = firstNonEmpty(channel, unknownValue)
	} else {
		f.logger.Debug("channel unavailable", zap.String("url", url), zap.Error(err))
	}
	if views, err := f.printField(ctx, url, "view_count"); err == nil {
		if n, perr := strconv.ParseInt(views, 10, 64); perr == nil {
			info.ViewCount = n
		}
	} else {
		f.logger.Debug("view count unavailable", zap.String("url", url), zap.Error(err))
	}
	if date, err := f.printField(ctx, url, "upload_date"); err == nil {
		info.UploadDate = formatUploadDate(date)
	} else {
		f.logger.Debug("upload date unavailable", zap.String("url", url), zap.Error(err))
	}

	return info, nil
}

func (f *MetadataFetcher) printField(ctx context.Context, url, field string) (string, error) {
	out, err := f.runner.Run(ctx, f.ytDlpPath,
		"--skip-download",
		"--no-playlist",
		"--no-warnings",
		"--print", "%("+field+")s",
		url,
	)
	if err != nil {
		return "", err
	}
	if out == "NA" {
		return "", nil
	}
	return out, nil
}

// FetchPlaylist lists a playlist without resolving each entry.
func (f *MetadataFetcher) FetchPlaylist(ctx context.Context, url string) (*models.PlaylistInfo, error) {
	out, err := f.runner.Run(f.withTimeout(ctx), f.ytDlpPath, "--flat-playlist", "-J", "--no-warnings", url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, errors.New("failed to fetch playlist: tool returned empty output")
	}

	var raw ytDLPPlaylist
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse playlist JSON: %w", err)
	}

	playlist := &models.PlaylistInfo{
		ID:      strings.TrimSpace(raw.ID),
		Title:   firstNonEmpty(strings.TrimSpace(raw.Title), unknownValue),
		Entries: make([]models.PlaylistEntry, 0, len(raw.Entries)),
	}
	for _, e := range raw.Entries {
		id := strings.TrimSpace(e.ID)
		entryURL := resolveVideoURL(id, e.URL)
		if entryURL == "" {
			continue
		}
		entry := models.PlaylistEntry{
			ID:    id,
			Title: firstNonEmpty(strings.TrimSpace(e.Title), unknownValue),
			URL:   entryURL,
		}
		if e.Duration != nil {
			entry.Duration = FormatDuration(*e.Duration)
		}
		playlist.Entries = append(playlist.Entries, entry)
	}
	return playlist, nil
}

// FormatDuration renders seconds the way yt-dlp prints durations: M:SS or
// H:MM:SS.
func FormatDuration(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		return unknownValue
	}
	total := int64(math.Round(seconds))
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// formatUploadDate turns yt-dlp's YYYYMMDD into YYYY-MM-DD.
func formatUploadDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "NA" {
		return unknownValue
	}
	if t, err := time.Parse("20060102", raw); err == nil {
		return t.Format("2006-01-02")
	}
	return raw
}

func resolveVideoURL(videoID, maybeURL string) string {
	u := strings.TrimSpace(maybeURL)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if strings.HasPrefix(u, "watch?") || strings.HasPrefix(u, "/watch?") {
		return "https://www.youtube.com/" + strings.TrimPrefix(u, "/")
	}
	if videoID != "" {
		return "https://www.youtube.com/watch?v=" + videoID
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}

func nonNil(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}
