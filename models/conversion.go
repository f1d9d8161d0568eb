package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type OutputFormat string

const (
	FormatMP3  OutputFormat = "mp3"
	FormatWAV  OutputFormat = "wav"
	FormatFLAC OutputFormat = "flac"
	FormatMP4  OutputFormat = "mp4"
	FormatM4A  OutputFormat = "m4a"
)

var SupportedFormats = []OutputFormat{FormatMP3, FormatWAV, FormatFLAC, FormatMP4, FormatM4A}

func (f OutputFormat) Valid() bool {
	for _, s := range SupportedFormats {
		if f == s {
			return true
		}
	}
	return false
}

// IsVideo reports whether the format carries a video stream.
func (f OutputFormat) IsVideo() bool {
	return f == FormatMP4
}

// HasBitrate reports whether the audio codec for the format takes a bitrate.
func (f OutputFormat) HasBitrate() bool {
	switch f {
	case FormatMP3, FormatM4A, FormatMP4:
		return true
	}
	return false
}

// AudioQuality is an audio bitrate in kbps. Clients send it either as a
// JSON string ("320") or a number (320).
type AudioQuality string

const DefaultAudioQuality AudioQuality = "320"

var AudioQualities = []AudioQuality{"128", "192", "256", "320"}

func (q AudioQuality) Valid() bool {
	for _, v := range AudioQualities {
		if q == v {
			return true
		}
	}
	return false
}

func (q AudioQuality) Kbps() int {
	n, _ := strconv.Atoi(string(q))
	return n
}

func (q *AudioQuality) UnmarshalJSON(data []byte) error {
	s, err := unmarshalStringOrNumber(data)
	if err != nil {
		return fmt.Errorf("audioQuality: %w", err)
	}
	*q = AudioQuality(s)
	return nil
}

// VideoQuality is a target frame height, e.g. "720".
type VideoQuality string

var VideoQualities = []VideoQuality{"360", "480", "720", "1080"}

func (q VideoQuality) Valid() bool {
	for _, v := range VideoQualities {
		if q == v {
			return true
		}
	}
	return false
}

func (q VideoQuality) Height() int {
	n, _ := strconv.Atoi(strings.TrimSuffix(string(q), "p"))
	return n
}

func (q *VideoQuality) UnmarshalJSON(data []byte) error {
	s, err := unmarshalStringOrNumber(data)
	if err != nil {
		return fmt.Errorf("videoQuality: %w", err)
	}
	*q = VideoQuality(strings.TrimSuffix(s, "p"))
	return nil
}

// unmarshalStringOrNumber returns strings and numbers as text. Any other
// token (bool, object, array) comes back as its raw JSON, which no quality
// accepts, so it is rejected as a bad quality rather than as bad JSON.
func unmarshalStringOrNumber(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return string(data), nil
	}
	return n.String(), nil
}

// TrackMetadata holds optional tags embedded into the output file.
type TrackMetadata struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
}

// Tags returns the non-empty metadata as ffmpeg tag pairs in a stable order.
func (m TrackMetadata) Tags() [][2]string {
	var tags [][2]string
	if t := strings.TrimSpace(m.Title); t != "" {
		tags = append(tags, [2]string{"title", t})
	}
	if a := strings.TrimSpace(m.Artist); a != "" {
		tags = append(tags, [2]string{"artist", a})
	}
	return tags
}

type ConversionRequest struct {
	URL          string        `json:"url"`
	Format       OutputFormat  `json:"format,omitempty"`
	AudioQuality AudioQuality  `json:"audioQuality,omitempty"`
	VideoQuality VideoQuality  `json:"videoQuality,omitempty"`
	Metadata     TrackMetadata `json:"metadata"`
}

type BatchRequest struct {
	URLs         []string      `json:"urls"`
	AudioQuality AudioQuality  `json:"audioQuality,omitempty"`
	Metadata     TrackMetadata `json:"metadata"`
}

// URLRequest is the body of the preview and playlist routes.
type URLRequest struct {
	URL string `json:"url"`
}

// VideoInfo is the metadata shown before and after a conversion.
type VideoInfo struct {
	Title           string  `json:"title"`
	ThumbnailURL    string  `json:"thumbnailUrl"`
	Duration        string  `json:"duration"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Channel         string  `json:"channel,omitempty"`
	ViewCount       int64   `json:"viewCount,omitempty"`
	UploadDate      string  `json:"uploadDate,omitempty"`
}

type PlaylistEntry struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Duration string `json:"duration,omitempty"`
}

type PlaylistInfo struct {
	ID      string
	Title   string
	Entries []PlaylistEntry
}
