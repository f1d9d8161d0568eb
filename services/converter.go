package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tubeconv/models"
)

const (
	MaxBatchURLs         = 10
	MaxMetadataLength    = 100
	PlaylistPreviewCount = 5
)

type ConverterConfig struct {
	TempDir            string
	OutputDir          string
	MaxConcurrentJobs  int
	DefaultVideoHeight int
}

// ConversionResult is a finished job.
type ConversionResult struct {
	JobID        string
	Info         *models.VideoInfo
	Format       models.OutputFormat
	AudioQuality models.AudioQuality
	VideoQuality models.VideoQuality
	Artifact     Artifact
	FileSize     int64
}

// BatchItem is the outcome for one URL of a batch; exactly one of Result and
// Err is set.
type BatchItem struct {
	URL    string
	Result *ConversionResult
	Err    error
}

type BatchResult struct {
	BatchID string
	Items   []BatchItem
}

func (b *BatchResult) Succeeded() int {
	n := 0
	for _, item := range b.Items {
		if item.Err == nil {
			n++
		}
	}
	return n
}

type PlaylistResult struct {
	Playlist *models.PlaylistInfo
	Preview  []models.PlaylistEntry
}

// ConversionService runs the pipeline validate, fetch metadata, download,
// transcode and register for each job.
type ConversionService struct {
	cfg        ConverterConfig
	validator  *URLValidator
	metadata   *MetadataFetcher
	downloader *Downloader
	transcoder *Transcoder
	lifecycle  *LifecycleManager
	sem        chan struct{}
	logger     *zap.Logger
}

func NewConversionService(
	cfg ConverterConfig,
	validator *URLValidator,
	metadata *MetadataFetcher,
	downloader *Downloader,
	transcoder *Transcoder,
	lifecycle *LifecycleManager,
	logger *zap.Logger,
) *ConversionService {
	if cfg.DefaultVideoHeight <= 0 {
		cfg.DefaultVideoHeight = 720
	}
	s := &ConversionService{
		cfg:        cfg,
		validator:  validator,
		metadata:   metadata,
		downloader: downloader,
		transcoder: transcoder,
		lifecycle:  lifecycle,
		logger:     logger,
	}
	if cfg.MaxConcurrentJobs > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrentJobs)
	}
	return s
}

func (s *ConversionService) Lifecycle() *LifecycleManager {
	return s.lifecycle
}

// CheckURL applies the presence and URL rules shared by every route.
func (s *ConversionService) CheckURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return newValidationError(CodeMissingURL, "YouTube URL is required")
	}
	if check := s.validator.Validate(raw); !check.Valid {
		return newValidationError(CodeInvalidURL, "Invalid YouTube URL provided: %s", check.Reason)
	}
	return nil
}

// ValidateConversionRequest checks req and returns it with defaults filled
// in: mp3 and 320 kbps, and for mp4 the configured height.
func (s *ConversionService) ValidateConversionRequest(req models.ConversionRequest) (models.ConversionRequest, error) {
	req.URL = strings.TrimSpace(req.URL)
	if err := s.CheckURL(req.URL); err != nil {
		return req, err
	}

	if req.Format == "" {
		req.Format = models.FormatMP3
	}
	req.Format = models.OutputFormat(strings.ToLower(string(req.Format)))
	if !req.Format.Valid() {
		return req, newValidationError(CodeInvalidFormat, "Invalid format. Must be one of: %s", formatList())
	}

	if err := validateAudioQuality(&req.AudioQuality); err != nil {
		return req, err
	}

	if req.Format.IsVideo() {
		if req.VideoQuality == "" {
			req.VideoQuality = models.VideoQuality(fmt.Sprint(s.cfg.DefaultVideoHeight))
		} else if !req.VideoQuality.Valid() {
			return req, newValidationError(CodeInvalidQuality, "Invalid video quality. Must be 360, 480, 720, or 1080")
		}
	} else {
		req.VideoQuality = ""
	}

	if err := validateMetadata(req.Metadata); err != nil {
		return req, err
	}
	return req, nil
}

// ValidateBatchRequest checks the shared batch fields. Individual URLs are
// checked per item so one bad URL does not reject the batch.
func (s *ConversionService) ValidateBatchRequest(req models.BatchRequest) (models.BatchRequest, error) {
	if len(req.URLs) == 0 {
		return req, newValidationError(CodeMissingURLs, "URLs array is required")
	}
	if len(req.URLs) > MaxBatchURLs {
		return req, newValidationError(CodeTooManyURLs, "Maximum %d URLs allowed per batch", MaxBatchURLs)
	}
	if err := validateAudioQuality(&req.AudioQuality); err != nil {
		return req, err
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return req, err
	}
	return req, nil
}

func validateAudioQuality(q *models.AudioQuality) error {
	if *q == "" {
		*q = models.DefaultAudioQuality
	}
	if !q.Valid() {
		return newValidationError(CodeInvalidQuality, "Invalid audio quality. Must be 128, 192, 256, or 320")
	}
	return nil
}

func validateMetadata(m models.TrackMetadata) error {
	if utf8.RuneCountInString(m.Title) > MaxMetadataLength {
		return newValidationError(CodeTitleTooLong, "Title must be %d characters or less", MaxMetadataLength)
	}
	if utf8.RuneCountInString(m.Artist) > MaxMetadataLength {
		return newValidationError(CodeArtistTooLong, "Artist name must be %d characters or less", MaxMetadataLength)
	}
	return nil
}

func formatList() string {
	names := make([]string, len(models.SupportedFormats))
	for i, f := range models.SupportedFormats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// Preview fetches metadata only.
func (s *ConversionService) Preview(ctx context.Context, url string) (*models.VideoInfo, error) {
	url = strings.TrimSpace(url)
	if err := s.CheckURL(url); err != nil {
		return nil, err
	}
	return s.metadata.FetchInfo(ctx, url)
}

// Playlist lists a playlist and returns the first few entries as a preview.
func (s *ConversionService) Playlist(ctx context.Context, url string) (*PlaylistResult, error) {
	url = strings.TrimSpace(url)
	if err := s.CheckURL(url); err != nil {
		return nil, err
	}

	playlist, err := s.metadata.FetchPlaylist(ctx, url)
	if err != nil {
		return nil, err
	}

	preview := playlist.Entries
	if len(preview) > PlaylistPreviewCount {
		preview = preview[:PlaylistPreviewCount]
	}
	return &PlaylistResult{Playlist: playlist, Preview: preview}, nil
}

// Convert runs one job to completion. Every temp file is gone when it
// returns; on success the artifact is registered for scheduled deletion.
func (s *ConversionService) Convert(ctx context.Context, requestID string, req models.ConversionRequest) (*ConversionResult, error) {
	job := models.NewJob(uuid.NewString(), requestID, req.URL)
	log := s.logger.With(zap.String("request_id", requestID), zap.String("job_id", job.ID))

	s.advance(log, job, models.JobValidating)
	req, err := s.ValidateConversionRequest(req)
	if err != nil {
		return nil, s.fail(log, job, err)
	}
	return s.run(ctx, log, job, req)
}

func (s *ConversionService) run(ctx context.Context, log *zap.Logger, job *models.Job, req models.ConversionRequest) (result *ConversionResult, err error) {
	if err := s.acquire(ctx); err != nil {
		return nil, s.fail(log, job, fmt.Errorf("%w: waiting for a free slot", ErrCanceled))
	}
	defer s.release()

	start := time.Now()
	destBase := filepath.Join(s.cfg.TempDir, job.ID+"_source")
	outputPath := filepath.Join(s.cfg.OutputDir, job.ID+"."+string(req.Format))

	defer func() {
		if err != nil {
			job.Track(outputPath)
		}
		s.cleanup(log, job, destBase)
		if err != nil {
			err = s.fail(log, job, err)
		}
	}()

	s.advance(log, job, models.JobFetchingMetadata)
	info, err := s.metadata.FetchInfo(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	s.advance(log, job, models.JobDownloading)
	sourcePath, err := s.downloader.Download(ctx, req.URL, destBase, DownloadOptions{
		Video:     req.Format.IsVideo(),
		MaxHeight: req.VideoQuality.Height(),
	})
	if err != nil {
		return nil, err
	}
	job.Track(sourcePath)

	s.advance(log, job, models.JobTranscoding)
	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	err = s.transcoder.Transcode(ctx, TranscodeOptions{
		InputPath:   sourcePath,
		OutputPath:  outputPath,
		Format:      req.Format,
		BitrateKbps: req.AudioQuality.Kbps(),
		VideoHeight: req.VideoQuality.Height(),
		Tags:        req.Metadata.Tags(),
	}, nil)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if stat.Size() == 0 {
		return nil, errors.New("transcoder produced an empty file")
	}

	artifact := s.lifecycle.Register(ctx, outputPath)
	job.OutputPath = outputPath
	s.advance(log, job, models.JobCompleted)
	log.Info("✅ conversion finished",
		zap.String("file", artifact.Name),
		zap.Int64("size", stat.Size()),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &ConversionResult{
		JobID:        job.ID,
		Info:         info,
		Format:       req.Format,
		AudioQuality: req.AudioQuality,
		VideoQuality: req.VideoQuality,
		Artifact:     artifact,
		FileSize:     stat.Size(),
	}, nil
}

// ConvertBatch converts each URL in turn. Failures are collected per item and
// never stop the batch.
func (s *ConversionService) ConvertBatch(ctx context.Context, requestID string, req models.BatchRequest) (*BatchResult, error) {
	req, err := s.ValidateBatchRequest(req)
	if err != nil {
		return nil, err
	}

	batch := &BatchResult{BatchID: uuid.NewString(), Items: make([]BatchItem, 0, len(req.URLs))}
	log := s.logger.With(zap.String("request_id", requestID), zap.String("batch_id", batch.BatchID))
	log.Info("📦 batch started", zap.Int("urls", len(req.URLs)))

	for _, url := range req.URLs {
		if ctx.Err() != nil {
			batch.Items = append(batch.Items, BatchItem{URL: url, Err: fmt.Errorf("%w: batch aborted", ErrCanceled)})
			continue
		}
		result, err := s.Convert(ctx, requestID, models.ConversionRequest{
			URL:          url,
			Format:       models.FormatMP3,
			AudioQuality: req.AudioQuality,
			Metadata:     req.Metadata,
		})
		batch.Items = append(batch.Items, BatchItem{URL: url, Result: result, Err: err})
	}

	log.Info("📦 batch finished",
		zap.Int("successful", batch.Succeeded()),
		zap.Int("failed", len(batch.Items)-batch.Succeeded()),
	)
	return batch, nil
}

func (s *ConversionService) acquire(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ConversionService) release() {
	if s.sem != nil {
		<-s.sem
	}
}

func (s *ConversionService) advance(log *zap.Logger, job *models.Job, state models.JobState) {
	if job.Transition(state) {
		log.Info("job stage", zap.String("stage", string(state)))
	}
}

func (s *ConversionService) fail(log *zap.Logger, job *models.Job, err error) error {
	job.Error = err.Error()
	if job.Transition(models.JobFailed) {
		if _, ok := IsValidationError(err); ok {
			log.Info("job rejected", zap.Error(err))
		} else {
			log.Error("❌ job failed", zap.Error(err))
		}
	}
	return err
}

// cleanup removes the job's temp files. Failures are logged and never change
// the job's outcome.
func (s *ConversionService) cleanup(log *zap.Logger, job *models.Job, destBase string) {
	for _, path := range job.TempFiles {
		if err := removeFile(path); err != nil {
			log.Warn("failed to remove temp file", zap.String("path", path), zap.Error(err))
		}
	}
	if err := s.downloader.RemoveLeftovers(destBase); err != nil {
		log.Warn("failed to remove download leftovers", zap.Error(err))
	}
}
