package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tubeconv/models"
)

var progressPattern = regexp.MustCompile(`time=(\d{2,}):(\d{2}):(\d{2}(?:\.\d+)?)`)

// TranscodeOptions describes one ffmpeg conversion.
type TranscodeOptions struct {
	InputPath   string
	OutputPath  string
	Format      models.OutputFormat
	BitrateKbps int
	// VideoHeight scales mp4 output; 0 keeps the source height.
	VideoHeight int
	Tags        [][2]string
}

type Transcoder struct {
	runner     Runner
	ffmpegPath string
	timeout    time.Duration
	logger     *zap.Logger
}

func NewTranscoder(runner Runner, ffmpegPath string, timeout time.Duration, logger *zap.Logger) *Transcoder {
	return &Transcoder{
		runner:     runner,
		ffmpegPath: ffmpegPath,
		timeout:    timeout,
		logger:     logger,
	}
}

// BuildArgs returns the ffmpeg argument vector for opts. The output is always
// overwritten.
func BuildArgs(opts TranscodeOptions) ([]string, error) {
	if opts.InputPath == "" || opts.OutputPath == "" {
		return nil, errors.New("input and output paths are required")
	}
	if !opts.Format.Valid() {
		return nil, fmt.Errorf("unsupported output format %q", opts.Format)
	}

	bitrate := opts.BitrateKbps
	if bitrate <= 0 {
		bitrate = models.DefaultAudioQuality.Kbps()
	}
	audioBitrate := strconv.Itoa(bitrate) + "k"

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", opts.InputPath}

	switch opts.Format {
	case models.FormatMP3:
		args = append(args, "-vn", "-c:a", "libmp3lame", "-b:a", audioBitrate)
	case models.FormatWAV:
		args = append(args, "-vn", "-c:a", "pcm_s16le")
	case models.FormatFLAC:
		args = append(args, "-vn", "-c:a", "flac")
	case models.FormatM4A:
		args = append(args, "-vn", "-c:a", "aac", "-b:a", audioBitrate)
	case models.FormatMP4:
		args = append(args,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", "23",
		)
		if opts.VideoHeight > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", opts.VideoHeight))
		}
		args = append(args,
			"-c:a", "aac",
			"-b:a", audioBitrate,
			"-movflags", "+faststart",
		)
	}

	for _, tag := range opts.Tags {
		args = append(args, "-metadata", tag[0]+"="+tag[1])
	}

	return append(args, opts.OutputPath), nil
}

// Transcode runs ffmpeg. onProgress, if set, receives the encoded position
// parsed from ffmpeg's time= status lines; it is advisory only.
func (t *Transcoder) Transcode(ctx context.Context, opts TranscodeOptions, onProgress func(time.Duration)) error {
	args, err := BuildArgs(opts)
	if err != nil {
		return err
	}
	if t.timeout > 0 {
		ctx = WithTimeout(ctx, t.timeout)
	}

	_, err = t.runner.Stream(ctx, func(line string) {
		pos, ok := ParseProgress(line)
		if !ok {
			return
		}
		t.logger.Debug("transcode progress", zap.String("output", opts.OutputPath), zap.Duration("position", pos))
		if onProgress != nil {
			onProgress(pos)
		}
	}, t.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("failed to convert to %s: %w", opts.Format, err)
	}
	return nil
}

// ParseProgress extracts the time=HH:MM:SS.xx position from an ffmpeg status
// line.
func ParseProgress(line string) (time.Duration, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return d, true
}
