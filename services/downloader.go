package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DownloadOptions selects what the fetch tool pulls.
type DownloadOptions struct {
	Video     bool
	MaxHeight int
}

// Downloader fetches the best audio (or height-capped video) stream for a URL
// into the temp directory.
type Downloader struct {
	runner     Runner
	ytDlpPath  string
	ffmpegPath string
	timeout    time.Duration
	logger     *zap.Logger
}

func NewDownloader(runner Runner, ytDlpPath, ffmpegPath string, timeout time.Duration, logger *zap.Logger) *Downloader {
	return &Downloader{
		runner:     runner,
		ytDlpPath:  ytDlpPath,
		ffmpegPath: ffmpegPath,
		timeout:    timeout,
		logger:     logger,
	}
}

// BuildArgs returns the yt-dlp argument vector for a download to destBase.
func (d *Downloader) BuildArgs(url, destBase string, opts DownloadOptions) []string {
	args := []string{"--no-playlist", "--no-warnings", "--no-progress"}

	if opts.Video {
		height := opts.MaxHeight
		if height <= 0 {
			height = 720
		}
		args = append(args,
			"-f", selectVideoFormat(height),
			"--merge-output-format", "mp4",
		)
	} else {
		args = append(args, "-f", "bestaudio/best")
	}

	if d.ffmpegPath != "" && d.ffmpegPath != "ffmpeg" {
		args = append(args, "--ffmpeg-location", d.ffmpegPath)
	}

	args = append(args, "-o", destBase+".%(ext)s", url)
	return args
}

func selectVideoFormat(height int) string {
	return fmt.Sprintf("bv*[height<=%d]+ba/b[height<=%d]/b", height, height)
}

// Download runs the fetch tool and returns the path of the file it wrote.
// The tool picks the extension, so the directory is scanned for destBase.*.
func (d *Downloader) Download(ctx context.Context, url, destBase string, opts DownloadOptions) (string, error) {
	if d.timeout > 0 {
		ctx = WithTimeout(ctx, d.timeout)
	}

	if err := os.MkdirAll(filepath.Dir(destBase), 0755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	if _, err := d.runner.Run(ctx, d.ytDlpPath, d.BuildArgs(url, destBase, opts)...); err != nil {
		return "", fmt.Errorf("failed to download media: %w", err)
	}

	path, err := resolveDownloadedFile(destBase)
	if err != nil {
		return "", err
	}
	d.logger.Debug("download resolved", zap.String("path", path))
	return path, nil
}

// resolveDownloadedFile finds the first complete, non-empty file named
// destBase.<ext>.
func resolveDownloadedFile(destBase string) (string, error) {
	dir, base := filepath.Split(destBase)
	if dir == "" {
		dir = "."
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list download directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, base+".") || isPartialDownload(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		return filepath.Join(dir, name), nil
	}

	return "", &FileResolutionError{Dir: dir, Base: base}
}

func isPartialDownload(name string) bool {
	for _, suffix := range []string{".part", ".ytdl", ".temp", ".tmp"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return strings.Contains(name, ".part-Frag")
}

// RemoveLeftovers deletes every file whose name starts with destBase,
// including fragments the tool left behind. Missing files are not errors.
func (d *Downloader) RemoveLeftovers(destBase string) error {
	dir, base := filepath.Split(destBase)
	if dir == "" {
		dir = "."
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to list temp directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		if err := removeFile(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// removeFile deletes path and treats an already missing file as success.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
