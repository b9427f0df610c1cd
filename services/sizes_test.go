package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSizes(t *testing.T) {
	meta := &VideoMetadata{
		ID:       "abc123",
		Title:    "test video",
		Duration: 100,
		Formats: []YtdlpFormat{
			{FormatID: "audio", Vcodec: "none", Acodec: "opus", Filesize: 1_000_000},
			{FormatID: "360p", Vcodec: "vp9", Acodec: "none", Height: 360, Filesize: 5_000_000},
			{FormatID: "720p", Vcodec: "vp9", Acodec: "none", Height: 720, Filesize: 20_000_000},
		},
	}

	est := ComputeSizes(meta, 0)
	require.NotNil(t, est)

	assert.Equal(t, 100, est.Duration)
	assert.Equal(t, int64(6_000_000), est.Bytes["360p"])
	assert.Equal(t, int64(21_000_000), est.Bytes["720p"])
	assert.NotEmpty(t, est.Human["720p"])

	// Resolutions with no matching format are omitted, not zeroed.
	_, ok := est.Bytes["1080p"]
	assert.False(t, ok)
}

func TestComputeSizesFilesizePrecedence(t *testing.T) {
	meta := &VideoMetadata{
		Duration: 60,
		Formats: []YtdlpFormat{
			// Exact filesize wins over approximation and bitrate.
			{Vcodec: "avc1", Acodec: "none", Height: 480, Filesize: 3_000_000, FilesizeApprox: 9_999_999, Tbr: 8000},
			// Approximation wins over bitrate.
			{Vcodec: "avc1", Acodec: "none", Height: 720, FilesizeApprox: 7_000_000, Tbr: 8000},
			// Bitrate-only: tbr kbit/s x duration.
			{Vcodec: "avc1", Acodec: "none", Height: 1080, Tbr: 8000},
		},
	}

	est := ComputeSizes(meta, 0)

	assert.Equal(t, int64(3_000_000), est.Bytes["480p"])
	assert.Equal(t, int64(7_000_000), est.Bytes["720p"])
	// 8000 kbit/s * 1000 / 8 * 60s
	assert.Equal(t, int64(60_000_000), est.Bytes["1080p"])
}

func TestComputeSizesDurationHint(t *testing.T) {
	meta := &VideoMetadata{
		Duration: 0, // live or metadata gap
		Formats: []YtdlpFormat{
			{Vcodec: "vp9", Acodec: "none", Height: 720, Tbr: 1000},
		},
	}

	// Without a hint the bitrate path has nothing to multiply by.
	est := ComputeSizes(meta, 0)
	assert.Empty(t, est.Bytes)

	est = ComputeSizes(meta, 120)
	assert.Equal(t, 120, est.Duration)
	assert.Equal(t, int64(1000*1000/8*120), est.Bytes["720p"])
}

func TestComputeSizesPicksLargestAudio(t *testing.T) {
	meta := &VideoMetadata{
		Duration: 10,
		Formats: []YtdlpFormat{
			{Vcodec: "none", Acodec: "opus", Filesize: 100},
			{Vcodec: "none", Acodec: "mp4a", Filesize: 500},
			// Muxed format must not be counted as audio.
			{Vcodec: "avc1", Acodec: "mp4a", Height: 360, Filesize: 9_000},
		},
	}

	est := ComputeSizes(meta, 0)
	assert.Equal(t, int64(9_500), est.Bytes["360p"])
}

func TestComputeSizesNoUsableFormats(t *testing.T) {
	est := ComputeSizes(&VideoMetadata{Duration: 100}, 0)
	require.NotNil(t, est)
	assert.Empty(t, est.Bytes)
	assert.Empty(t, est.Human)
	assert.Equal(t, 100, est.Duration)
}
