package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tubeconv/services/servicestest"
)

const testVideoURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

func TestFetchInfoStructured(t *testing.T) {
	tools := &servicestest.Tools{Info: servicestest.Info{
		Title:          "Never Gonna Give You Up",
		Thumbnail:      "https://i.ytimg.com/vi/dQw4w9WgXcQ/maxresdefault.jpg",
		Duration:       212,
		DurationString: "3:32",
		Channel:        "Rick Astley",
		ViewCount:      1500000000,
		UploadDate:     "20091025",
	}}
	f := NewMetadataFetcher(tools, "yt-dlp", 0, zaptest.NewLogger(t))

	info, err := f.FetchInfo(context.Background(), testVideoURL)
	require.NoError(t, err)

	assert.Equal(t, "Never Gonna Give You Up", info.Title)
	assert.Equal(t, "3:32", info.Duration)
	assert.Equal(t, float64(212), info.DurationSeconds)
	assert.Equal(t, "Rick Astley", info.Channel)
	assert.Equal(t, int64(1500000000), info.ViewCount)
	assert.Equal(t, "2009-10-25", info.UploadDate)

	calls := tools.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Has("--dump-single-json"))
	assert.Equal(t, testVideoURL, calls[0].Args[len(calls[0].Args)-1])
}

func TestFetchInfoOptionalFieldsDefault(t *testing.T) {
	tools := &servicestest.Tools{RawMetadata: `{"title":"Clip","thumbnail":"t.jpg","duration":75}`}
	f := NewMetadataFetcher(tools, "yt-dlp", 0, zaptest.NewLogger(t))

	info, err := f.FetchInfo(context.Background(), testVideoURL)
	require.NoError(t, err)
	assert.Equal(t, "1:15", info.Duration)
	assert.Equal(t, "Unknown", info.Channel)
	assert.Equal(t, "Unknown", info.UploadDate)
	assert.Zero(t, info.ViewCount)
}

func TestFetchInfoMissingTitleFails(t *testing.T) {
	tools := &servicestest.Tools{RawMetadata: `{"thumbnail":"t.jpg"}`}
	f := NewMetadataFetcher(tools, "yt-dlp", 0, zaptest.NewLogger(t))

	_, err := f.FetchInfo(context.Background(), testVideoURL)
	assert.Error(t, err)
}

func TestFetchInfoFallsBackToPerFieldQueries(t *testing.T) {
	tools := &servicestest.Tools{
		RawMetadata: "not json",
		Info:        servicestest.Info{Title: "Fallback", Channel: "Chan"},
	}
	f := NewMetadataFetcher(tools, "yt-dlp", 0, zaptest.NewLogger(t))

	info, err := f.FetchInfo(context.Background(), testVideoURL)
	require.NoError(t, err)
	assert.Equal(t, "Fallback", info.Title)
	assert.Equal(t, "3:32", info.Duration)
	assert.Equal(t, "Chan", info.Channel)
	assert.Equal(t, "Unknown", info.UploadDate)

	// One structured call, three core fields, three optional fields.
	assert.Len(t, tools.Calls(), 7)
}

func TestFetchInfoToolError(t *testing.T) {
	tools := &servicestest.Tools{FailURLs: map[string]error{
		testVideoURL: &ExternalToolError{Tool: "yt-dlp", ExitCode: 1, Stderr: "ERROR: Video unavailable"},
	}}
	f := NewMetadataFetcher(tools, "yt-dlp", 0, zaptest.NewLogger(t))

	_, err := f.FetchInfo(context.Background(), testVideoURL)
	var toolErr *ExternalToolError
	assert.ErrorAs(t, err, &toolErr)
}

func TestFetchPlaylist(t *testing.T) {
	tools := &servicestest.Tools{Info: servicestest.Info{
		ID:    "PL123",
		Title: "Mix",
		Entries: []servicestest.Entry{
			{ID: "aaaaaaaaaaa", Title: "One"},
			{ID: "bbbbbbbbbbb", Title: "Two", URL: "https://www.youtube.com/watch?v=bbbbbbbbbbb"},
			{ID: "", Title: "Broken"},
		},
	}}
	f := NewMetadataFetcher(tools, "yt-dlp", 0, zaptest.NewLogger(t))

	playlist, err := f.FetchPlaylist(context.Background(), "https://www.youtube.com/playlist?list=PL123")
	require.NoError(t, err)
	assert.Equal(t, "PL123", playlist.ID)
	assert.Equal(t, "Mix", playlist.Title)
	require.Len(t, playlist.Entries, 2)
	assert.Equal(t, "https://www.youtube.com/watch?v=aaaaaaaaaaa", playlist.Entries[0].URL)
	assert.Equal(t, "https://www.youtube.com/watch?v=bbbbbbbbbbb", playlist.Entries[1].URL)

	call := tools.Calls()[0]
	assert.True(t, call.Has("--flat-playlist"))
	assert.True(t, call.Has("-J"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0:05", FormatDuration(5))
	assert.Equal(t, "3:32", FormatDuration(212.4))
	assert.Equal(t, "1:01:01", FormatDuration(3661))
	assert.Equal(t, "Unknown", FormatDuration(-1))
}
