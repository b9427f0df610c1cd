package services

import (
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
)

// SizeEstimate is the response payload of the size endpoint: estimated
// download bytes per resolution plus a human-readable rendering.
type SizeEstimate struct {
	Bytes    map[string]int64  `json:"bytes"`
	Human    map[string]string `json:"human"`
	Duration int               `json:"duration"`
}

// targetHeights are the resolutions reported in every estimate, highest
// first in the response maps' key set.
var targetHeights = []int{144, 240, 360, 480, 720, 1080, 1440, 2160}

// ComputeSizes estimates per-resolution download sizes from the yt-dlp
// format table. durationHint (seconds) backfills missing duration so
// bitrate-derived estimates still work. Pure function, no I/O.
func ComputeSizes(meta *VideoMetadata, durationHint int) *SizeEstimate {
	duration := meta.Duration
	if duration <= 0 && durationHint > 0 {
		duration = float64(durationHint)
	}

	audioBytes := bestAudioBytes(meta.Formats, duration)

	est := &SizeEstimate{
		Bytes:    make(map[string]int64, len(targetHeights)),
		Human:    make(map[string]string, len(targetHeights)),
		Duration: int(math.Ceil(duration)),
	}

	for _, height := range targetHeights {
		video := bestVideoBytes(meta.Formats, height, duration)
		if video <= 0 {
			continue
		}
		total := video + audioBytes
		label := resolutionLabel(height)
		est.Bytes[label] = total
		est.Human[label] = humanize.Bytes(uint64(total))
	}
	return est
}

// bestVideoBytes picks the cheapest credible byte count for a video stream
// at the given height: exact filesize, then yt-dlp's approximation, then
// total-bitrate x duration.
func bestVideoBytes(formats []YtdlpFormat, height int, duration float64) int64 {
	var best int64
	for _, f := range formats {
		if f.Vcodec == "" || f.Vcodec == "none" || f.Height != height {
			continue
		}
		size := formatBytes(f, duration)
		if size > best {
			best = size
		}
	}
	return best
}

// bestAudioBytes picks the largest audio-only stream estimate so combined
// totals err toward overestimating rather than under.
func bestAudioBytes(formats []YtdlpFormat, duration float64) int64 {
	var best int64
	for _, f := range formats {
		if f.Acodec == "" || f.Acodec == "none" {
			continue
		}
		if f.Vcodec != "" && f.Vcodec != "none" {
			continue
		}
		size := formatBytes(f, duration)
		if size > best {
			best = size
		}
	}
	return best
}

func formatBytes(f YtdlpFormat, duration float64) int64 {
	if f.Filesize > 0 {
		return f.Filesize
	}
	if f.FilesizeApprox > 0 {
		return f.FilesizeApprox
	}
	if f.Tbr > 0 && duration > 0 {
		// tbr is kbit/s
		return int64(f.Tbr * 1000 / 8 * duration)
	}
	if f.Abr > 0 && duration > 0 {
		return int64(f.Abr * 1000 / 8 * duration)
	}
	return 0
}

func resolutionLabel(height int) string {
	return strconv.Itoa(height) + "p"
}
