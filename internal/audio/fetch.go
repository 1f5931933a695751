package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yegors/whisper-gateway/pkg/logger"
)

// sniffLen is how many leading bytes are inspected when neither the URL nor
// the Content-Type identify the format
const sniffLen = 3072

// FetcherConfig contains settings for remote audio downloads
type FetcherConfig struct {
	Timeout   time.Duration // Bound on the whole download
	MaxBytes  int64         // Maximum accepted body size (0 = unlimited)
	TempDir   string        // Where staged files are written (empty = OS temp dir)
	UserAgent string
}

// Fetcher downloads audio from URLs into staged temporary files
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	tempDir   string
	userAgent string
	logger    *logger.Logger
}

// NewFetcher creates a new fetcher
func NewFetcher(cfg FetcherConfig, logger *logger.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		maxBytes:  cfg.MaxBytes,
		tempDir:   cfg.TempDir,
		userAgent: cfg.UserAgent,
		logger:    logger.Named("fetcher"),
	}
}

// Fetch downloads rawURL and stages it. Transport failures, timeouts and
// non-2xx responses are reported as ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Staged, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q (must be an absolute http or https URL)", ErrInvalidURL, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetch, u.Redacted(), resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "audio") {
		f.logger.Warn("Content type might not be audio",
			logger.String("url", u.Redacted()),
			logger.String("content_type", contentType))
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: content length %d exceeds %d bytes", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	body := bufio.NewReaderSize(resp.Body, sniffLen)
	format, err := f.detectFormat(u, contentType, body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrFetch, u.Redacted(), err)
	}
	if format == "" {
		return nil, fmt.Errorf("%w: could not determine audio format of %s (supported formats: %s)",
			ErrUnsupportedFormat, u.Redacted(), strings.Join(SupportedFormats(), ", "))
	}

	staged, err := stage(body, f.tempDir, format, f.maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrUnsupportedFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	f.logger.Debug("Fetched remote audio",
		logger.String("url", u.Redacted()),
		logger.String("format", format),
		logger.Int64("bytes", staged.Size()),
		logger.Duration("duration", time.Since(start)))

	return staged, nil
}

// detectFormat tries the URL path, then the declared content type, then the
// leading bytes of the body
func (f *Fetcher) detectFormat(u *url.URL, contentType string, body *bufio.Reader) (string, error) {
	if ext := ExtensionOf(u.Path); IsSupported(ext) {
		return ext, nil
	}
	if ext := FormatFromContentType(contentType); ext != "" {
		return ext, nil
	}
	// Peek returns what is available on a short body along with io.EOF
	head, err := body.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", err
	}
	return SniffFormat(head), nil
}
