package models

import "time"

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// RateLimitResponse is returned with 429 and carries no code.
type RateLimitResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type PreviewResponse struct {
	Success        bool   `json:"success"`
	RequestID      string `json:"requestId"`
	VideoTitle     string `json:"videoTitle"`
	ThumbnailURL   string `json:"thumbnailUrl"`
	Duration       string `json:"duration"`
	Channel        string `json:"channel"`
	ViewCount      int64  `json:"viewCount"`
	UploadDate     string `json:"uploadDate"`
	ProcessingTime int64  `json:"processingTime"`
}

type ConvertResponse struct {
	Success        bool         `json:"success"`
	RequestID      string       `json:"requestId"`
	Format         OutputFormat `json:"format,omitempty"`
	VideoTitle     string       `json:"videoTitle"`
	ThumbnailURL   string       `json:"thumbnailUrl"`
	Duration       string       `json:"duration"`
	DownloadURL    string       `json:"downloadUrl"`
	MirrorURL      string       `json:"mirrorUrl,omitempty"`
	AudioQuality   AudioQuality `json:"audioQuality,omitempty"`
	VideoQuality   VideoQuality `json:"videoQuality,omitempty"`
	FileSize       int64        `json:"fileSize"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	ProcessingTime int64        `json:"processingTime"`
}

type BatchItemResult struct {
	URL         string `json:"url"`
	JobID       string `json:"jobId"`
	VideoTitle  string `json:"videoTitle"`
	Duration    string `json:"duration"`
	DownloadURL string `json:"downloadUrl"`
}

type BatchItemError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type BatchResponse struct {
	Success        bool              `json:"success"`
	RequestID      string            `json:"requestId"`
	BatchID        string            `json:"batchId"`
	Results        []BatchItemResult `json:"results"`
	Errors         []BatchItemError  `json:"errors"`
	Summary        BatchSummary      `json:"summary"`
	ProcessingTime int64             `json:"processingTime"`
}

type PlaylistResponse struct {
	Success        bool            `json:"success"`
	RequestID      string          `json:"requestId"`
	PlaylistID     string          `json:"playlistId"`
	PlaylistTitle  string          `json:"playlistTitle"`
	TotalVideos    int             `json:"totalVideos"`
	VideoURLs      []string        `json:"videoUrls"`
	PreviewVideos  []PlaylistEntry `json:"previewVideos"`
	ProcessingTime int64           `json:"processingTime"`
}

type MemoryStats struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapUsed  uint64 `json:"heapUsed"`
}

type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    string            `json:"timestamp"`
	Uptime       float64           `json:"uptime"`
	Memory       MemoryStats       `json:"memory"`
	Dependencies map[string]string `json:"dependencies"`
}

type StatusResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints"`
}
