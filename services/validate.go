package services

import (
	"net/url"
	"strings"
)

const maxVideoURLLength = 200

var allowedVideoHosts = map[string]bool{
	"www.youtube.com":   true,
	"youtube.com":       true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// shellMetaChars are rejected outright even though the URL is always passed
// as a single argv element: the string crosses a process boundary and this
// service refuses to rely on downstream quoting.
const shellMetaChars = ";|`$(){}[]<>\\"

// ValidateVideoURL enforces the URL safety contract: https-only, an explicit
// YouTube host allow-list, bounded length, no shell metacharacters, no
// traversal, and a recognizable watch/shorts path.
func ValidateVideoURL(raw string) error {
	if raw == "" {
		return NewExtractError(ErrCodeValidation, "url is required")
	}
	if len(raw) > maxVideoURLLength {
		return NewExtractError(ErrCodeInvalidURL, "url exceeds maximum length")
	}
	if strings.ContainsAny(raw, shellMetaChars) || strings.ContainsAny(raw, "'\"") {
		return NewExtractError(ErrCodeInvalidURL, "url contains forbidden characters")
	}
	if strings.Contains(raw, "../") || strings.Contains(strings.ToLower(raw), "file://") {
		return NewExtractError(ErrCodeInvalidURL, "url contains forbidden sequence")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return NewExtractError(ErrCodeInvalidURL, "url is not parseable").WithCause(err)
	}
	if u.Scheme != "https" {
		return NewExtractError(ErrCodeInvalidURL, "url scheme must be https")
	}
	if !allowedVideoHosts[u.Hostname()] {
		return NewExtractError(ErrCodeInvalidURL, "host is not an allowed YouTube domain")
	}

	if u.Hostname() == "youtu.be" {
		if len(strings.Trim(u.Path, "/")) == 0 {
			return NewExtractError(ErrCodeInvalidURL, "short link is missing a video id")
		}
		return nil
	}

	switch {
	case strings.HasPrefix(u.Path, "/watch"):
		if u.Query().Get("v") == "" {
			return NewExtractError(ErrCodeInvalidURL, "watch url is missing the v parameter")
		}
	case strings.HasPrefix(u.Path, "/shorts/"):
		if len(strings.TrimPrefix(u.Path, "/shorts/")) == 0 {
			return NewExtractError(ErrCodeInvalidURL, "shorts url is missing a video id")
		}
	default:
		return NewExtractError(ErrCodeInvalidURL, "path is not a watch or shorts url")
	}
	return nil
}
