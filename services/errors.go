package services

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrToolNotFound means the external binary could not be started at all.
	ErrToolNotFound = errors.New("external tool not found")
	// ErrCanceled means the caller went away and the process was killed.
	ErrCanceled = errors.New("external tool canceled")
)

// Validation error codes returned to clients.
const (
	CodeMissingURL     = "MISSING_URL"
	CodeInvalidURL     = "INVALID_URL"
	CodeInvalidQuality = "INVALID_QUALITY"
	CodeTitleTooLong   = "TITLE_TOO_LONG"
	CodeArtistTooLong  = "ARTIST_TOO_LONG"
	CodeInvalidFormat  = "INVALID_FORMAT"
	CodeMissingURLs    = "MISSING_URLS"
	CodeTooManyURLs    = "TOO_MANY_URLS"
)

type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExternalToolError is a non-zero exit from yt-dlp or ffmpeg.
type ExternalToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

// maxReasonLength caps the stderr line passed on to clients.
const maxReasonLength = 200

// Reason is the last line the tool wrote to stderr, which is where yt-dlp and
// ffmpeg print why they failed.
func (e *ExternalToolError) Reason() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	reason := strings.TrimSpace(lines[len(lines)-1])
	if r := []rune(reason); len(r) > maxReasonLength {
		reason = string(r[:maxReasonLength]) + "..."
	}
	return reason
}

func (e *ExternalToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s", e.Tool, e.Timeout)
}

// FileResolutionError means the download tool reported success but no usable
// file with the expected base name exists.
type FileResolutionError struct {
	Dir  string
	Base string
}

func (e *FileResolutionError) Error() string {
	return fmt.Sprintf("downloaded file %s* not found in %s", e.Base, e.Dir)
}

// IsValidationError unwraps err into a *ValidationError.
func IsValidationError(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// PublicMessage turns a pipeline error into text for a client. Of the tool's
// stderr only the last line is passed on; the full tail stays in the logs.
func PublicMessage(err error, fallback string) string {
	if v, ok := IsValidationError(err); ok {
		return v.Message
	}

	var toolErr *ExternalToolError
	var timeoutErr *TimeoutError
	var resolveErr *FileResolutionError
	switch {
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("%s: %s took longer than %s", fallback, timeoutErr.Tool, timeoutErr.Timeout)
	case errors.Is(err, ErrToolNotFound):
		return fallback + ": required media tool is not installed on the server"
	case errors.Is(err, ErrCanceled):
		return fallback + ": request was canceled"
	case errors.As(err, &resolveErr):
		return fallback + ": downloaded file could not be found"
	case errors.As(err, &toolErr):
		msg := fmt.Sprintf("%s: %s exited with code %d", fallback, toolErr.Tool, toolErr.ExitCode)
		if reason := toolErr.Reason(); reason != "" {
			msg += ": " + reason
		}
		return msg
	}
	return fallback
}
