package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// YtdlpFormat is one entry of the yt-dlp format table. Only the fields the
// size computation reads are decoded.
type YtdlpFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Vcodec         string  `json:"vcodec"`
	Acodec         string  `json:"acodec"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Filesize       int64   `json:"filesize,omitempty"`
	FilesizeApprox int64   `json:"filesize_approx,omitempty"`
	Tbr            float64 `json:"tbr,omitempty"` // total bitrate, kbit/s
	Abr            float64 `json:"abr,omitempty"` // audio bitrate, kbit/s
}

// VideoMetadata is the parsed subset of `yt-dlp -J` output.
type VideoMetadata struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Duration float64       `json:"duration"`
	Formats  []YtdlpFormat `json:"formats"`
}

// YtdlpService invokes yt-dlp as a child process and classifies its failures.
type YtdlpService struct {
	path      string
	timeout   time.Duration
	maxBuffer int64
	tempDir   string
	logger    *slog.Logger
}

func NewYtdlpService(path string, timeout time.Duration, maxBuffer int64) *YtdlpService {
	return &YtdlpService{
		path:      path,
		timeout:   timeout,
		maxBuffer: maxBuffer,
		tempDir:   os.TempDir(),
		logger:    slog.Default().With(slog.String("service", "ytdlp")),
	}
}

// CheckBinary verifies the yt-dlp executable is resolvable. Used by the
// health checker and at startup.
func (s *YtdlpService) CheckBinary() error {
	if _, err := exec.LookPath(s.path); err != nil {
		return NewExtractError(ErrCodeNotFound, "yt-dlp executable not found in PATH").WithCause(err)
	}
	return nil
}

// errOutputTooLarge marks a subprocess killed for exceeding the stdout cap.
var errOutputTooLarge = errors.New("subprocess output exceeded buffer limit")

// boundedBuffer collects subprocess output up to max bytes. The first write
// past the cap cancels the subprocess context so the child is terminated
// instead of blocking on a full pipe.
type boundedBuffer struct {
	mu       sync.Mutex
	buf      []byte
	max      int64
	overflow bool
	cancel   context.CancelFunc
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int64(len(b.buf))+int64(len(p)) > b.max {
		b.overflow = true
		if b.cancel != nil {
			b.cancel()
		}
		return 0, errOutputTooLarge
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

func (b *boundedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// Extract runs `yt-dlp -J --skip-download --no-playlist <url>` and returns
// the parsed metadata. The URL is re-validated here even though the handler
// already checked it: the argument crosses a process boundary.
func (s *YtdlpService) Extract(ctx context.Context, rawURL string, cookies string) (*VideoMetadata, error) {
	if err := ValidateVideoURL(rawURL); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := []string{"-J", "--skip-download", "--no-playlist"}

	var cookieFile string
	if cookies != "" {
		f, err := s.writeCookieFile(cookies)
		if err != nil {
			return nil, NewExtractError(ErrCodeUnknown, "failed to stage cookie file").WithCause(err)
		}
		cookieFile = f
		defer os.Remove(cookieFile)
		args = append(args, "--cookies", cookieFile)
	}
	args = append(args, rawURL)

	stdout := &boundedBuffer{max: s.maxBuffer, cancel: cancel}
	stderr := &boundedBuffer{max: 64 * 1024}

	cmd := exec.CommandContext(runCtx, s.path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = sysProcAttr()
	// On cancellation, terminate gently and give the child a moment to flush
	// before the runtime falls back to SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 3 * time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		extractErr := s.classifyRunError(runCtx, err, stdout, stderr)
		s.logger.Warn("yt-dlp invocation failed",
			slog.String("code", string(extractErr.Code)),
			slog.Duration("elapsed", elapsed),
			slog.String("stderr", extractErr.StderrExcerpt))
		return nil, extractErr
	}

	var meta VideoMetadata
	if err := json.Unmarshal(stdout.Bytes(), &meta); err != nil {
		return nil, NewExtractError(ErrCodeUnknown, "failed to parse yt-dlp output").WithCause(err)
	}

	s.logger.Debug("yt-dlp extraction complete",
		slog.String("video_id", meta.ID),
		slog.Int("formats", len(meta.Formats)),
		slog.Duration("elapsed", elapsed))
	return &meta, nil
}

// classifyRunError collapses every subprocess failure into the fixed
// taxonomy. This is the single classifier: downstream layers only
// pattern-match on the resulting code.
func (s *YtdlpService) classifyRunError(ctx context.Context, err error, stdout, stderr *boundedBuffer) *ExtractError {
	excerpt := stderrExcerpt(stderr.Bytes())

	if stdout.Overflowed() {
		return NewExtractError(ErrCodeUnknown,
			fmt.Sprintf("output exceeded %d byte buffer", s.maxBuffer)).WithCause(errOutputTooLarge)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return NewExtractError(ErrCodeTimeout,
			fmt.Sprintf("yt-dlp exceeded %s deadline", s.timeout)).WithStderr(excerpt).WithCause(err)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return NewExtractError(ErrCodeNotFound, "yt-dlp executable not found").WithCause(err)
	}

	code := classifyStderr(excerpt)
	return NewExtractError(code, "yt-dlp exited with an error").WithStderr(excerpt).WithCause(err)
}

// classifyStderr maps yt-dlp diagnostics to the error taxonomy.
func classifyStderr(stderr string) ErrorCode {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "http error 429"),
		strings.Contains(lower, "http 429"),
		strings.Contains(lower, "too many requests"):
		return ErrCodeRateLimited
	case strings.Contains(lower, "private video"),
		strings.Contains(lower, "video unavailable"),
		strings.Contains(lower, "this video is not available"),
		strings.Contains(lower, "not available in your country"),
		strings.Contains(lower, "age-restricted"),
		strings.Contains(lower, "sign in to confirm your age"),
		strings.Contains(lower, "has been removed"):
		return ErrCodeUnavailable
	case strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "name resolution"),
		strings.Contains(lower, "getaddrinfo"),
		strings.Contains(lower, "network is unreachable"),
		strings.Contains(lower, "unable to download webpage"):
		return ErrCodeNetworkError
	case strings.Contains(lower, "is not a valid url"),
		strings.Contains(lower, "unsupported url"):
		return ErrCodeInvalidURL
	default:
		return ErrCodeUnknown
	}
}

// stderrExcerpt trims diagnostics to something loggable.
func stderrExcerpt(b []byte) string {
	const maxExcerpt = 512
	s := strings.TrimSpace(string(b))
	if len(s) > maxExcerpt {
		s = s[:maxExcerpt]
	}
	return s
}

// writeCookieFile stages cookie text in a private temp file for --cookies.
// Contents are passed through verbatim.
func (s *YtdlpService) writeCookieFile(cookies string) (string, error) {
	path := filepath.Join(s.tempDir, "ytc-"+uuid.New().String()+".txt")
	if err := os.WriteFile(path, []byte(cookies), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
