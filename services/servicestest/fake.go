// Package servicestest provides an in-process stand-in for yt-dlp and ffmpeg.
package servicestest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

// Call is one recorded tool invocation.
type Call struct {
	Name string
	Args []string
}

// Has reports whether flag appears in the call's arguments.
func (c Call) Has(flag string) bool {
	for _, a := range c.Args {
		if a == flag {
			return true
		}
	}
	return false
}

// Value returns the argument following flag.
func (c Call) Value(flag string) string {
	for i, a := range c.Args {
		if a == flag && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	return ""
}

// Info is what the fake fetch tool reports for a URL.
type Info struct {
	Title          string  `json:"title"`
	Thumbnail      string  `json:"thumbnail"`
	Duration       float64 `json:"duration"`
	DurationString string  `json:"duration_string"`
	Channel        string  `json:"channel,omitempty"`
	ViewCount      int64   `json:"view_count,omitempty"`
	UploadDate     string  `json:"upload_date,omitempty"`
	ID             string  `json:"id,omitempty"`
	Entries        []Entry `json:"entries,omitempty"`
}

// Entry is a flat playlist entry.
type Entry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// ExitError mimics a tool failing with stderr output.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string { return e.Stderr }

// Tools fakes both binaries. Paths are matched by suffix so "yt-dlp" and
// "/usr/bin/yt-dlp" both work.
type Tools struct {
	mu    sync.Mutex
	calls []Call

	// Info answers metadata and playlist queries; the zero value is a
	// generic video.
	Info Info
	// FailURLs makes every fetch-tool call for the URL fail.
	FailURLs map[string]error
	// RawMetadata, if set, replaces the structured metadata output.
	RawMetadata string
	// DownloadExt is the extension the fake download writes.
	DownloadExt string
	// SkipDownloadFile makes the download succeed without writing a file.
	SkipDownloadFile bool
	// TranscodeErr makes ffmpeg fail after writing a partial output.
	TranscodeErr error
	// Delay blocks every call until it elapses or ctx ends.
	Delay time.Duration
	// Missing makes version probes fail for the named tool.
	Missing map[string]bool
}

func (t *Tools) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsTo returns the calls made to the tool whose path ends in name.
func (t *Tools) CallsTo(name string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if strings.HasSuffix(c.Name, name) {
			out = append(out, c)
		}
	}
	return out
}

func (t *Tools) Run(ctx context.Context, name string, args ...string) (string, error) {
	return t.Stream(ctx, nil, name, args...)
}

func (t *Tools) Stream(ctx context.Context, onStderr func(string), name string, args ...string) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Name: name, Args: append([]string(nil), args...)})
	t.mu.Unlock()

	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch {
	case strings.HasSuffix(name, "yt-dlp"):
		return t.ytdlp(args)
	case strings.HasSuffix(name, "ffmpeg"):
		return t.ffmpeg(args, onStderr)
	}
	return "", errors.New("fake: unknown tool " + name)
}

func (t *Tools) ytdlp(args []string) (string, error) {
	call := Call{Args: args}
	if call.Has("--version") {
		if t.Missing["yt-dlp"] {
			return "", errors.New("fake: yt-dlp not installed")
		}
		return "2024.08.06", nil
	}

	url := ""
	if len(args) > 0 {
		url = args[len(args)-1]
	}
	if err, ok := t.FailURLs[url]; ok {
		return "", err
	}

	info := t.info()
	switch {
	case call.Has("--dump-single-json"):
		if t.RawMetadata != "" {
			return t.RawMetadata, nil
		}
		out, err := json.Marshal(info)
		return string(out), err
	case call.Has("--flat-playlist"):
		out, err := json.Marshal(info)
		return string(out), err
	case call.Has("--print"):
		return printField(info, call.Value("--print")), nil
	case call.Has("-o"):
		if t.SkipDownloadFile {
			return "", nil
		}
		ext := t.DownloadExt
		if ext == "" {
			ext = "webm"
		}
		path := strings.Replace(call.Value("-o"), "%(ext)s", ext, 1)
		return "", os.WriteFile(path, []byte("source media"), 0644)
	}
	return "", nil
}

func (t *Tools) ffmpeg(args []string, onStderr func(string)) (string, error) {
	if (Call{Args: args}).Has("-version") {
		if t.Missing["ffmpeg"] {
			return "", errors.New("fake: ffmpeg not installed")
		}
		return "ffmpeg version 6.1", nil
	}
	if len(args) == 0 {
		return "", errors.New("fake: no output path")
	}
	out := args[len(args)-1]
	if onStderr != nil {
		onStderr("size=     256kB time=00:00:01.50 bitrate= 320.0kbits/s speed=10x")
		onStderr("size=     512kB time=00:00:03.00 bitrate= 320.0kbits/s speed=10x")
	}
	if t.TranscodeErr != nil {
		_ = os.WriteFile(out, []byte("partial"), 0644)
		return "", t.TranscodeErr
	}
	return "", os.WriteFile(out, []byte("converted media"), 0644)
}

func (t *Tools) info() Info {
	info := t.Info
	if info.Title == "" {
		info.Title = "Test Video"
	}
	if info.Thumbnail == "" {
		info.Thumbnail = "https://i.ytimg.com/vi/test/hqdefault.jpg"
	}
	if info.DurationString == "" {
		info.Duration = 212
		info.DurationString = "3:32"
	}
	return info
}

func printField(info Info, template string) string {
	switch strings.TrimSuffix(strings.TrimPrefix(template, "%("), ")s") {
	case "title":
		return info.Title
	case "thumbnail":
		return info.Thumbnail
	case "duration_string":
		return info.DurationString
	case "channel":
		if info.Channel == "" {
			return "NA"
		}
		return info.Channel
	case "upload_date":
		if info.UploadDate == "" {
			return "NA"
		}
		return info.UploadDate
	case "view_count":
		return "NA"
	}
	return "NA"
}
