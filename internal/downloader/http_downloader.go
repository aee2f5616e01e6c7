package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iconidentify/nicograb/internal/config"
	"github.com/iconidentify/nicograb/internal/domain"
)

// HTTPDownloader implements Downloader using HTTP requests.
type HTTPDownloader struct {
	// client is used for short requests (Probe) with overall timeout
	client *http.Client
	// streamClient is used for ranged downloads without overall timeout
	streamClient *http.Client
	userAgent    string
	chunkSize    int
	logger       *slog.Logger
}

// NewHTTPDownloader creates a downloader whose requests carry the cookies
// of jar. A nil jar sends no cookies.
func NewHTTPDownloader(cfg config.DownloadConfig, jar http.CookieJar) *HTTPDownloader {
	// Transport for streaming downloads - no overall timeout, but header timeout
	streamTransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 50 * 1024
	}

	return &HTTPDownloader{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
		},
		streamClient: &http.Client{
			Transport: streamTransport,
			Jar:       jar,
		},
		userAgent: cfg.UserAgent,
		chunkSize: chunkSize,
		logger:    slog.Default(),
	}
}

// SetLogger sets the logger for request tracing.
func (d *HTTPDownloader) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// Probe issues a HEAD request and reports the advertised size.
func (d *HTTPDownloader) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	d.setHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &ProbeResult{
			ContentLength: -1,
			Accessible:    false,
			Error:         err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	result := &ProbeResult{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: -1,
		Accessible:    resp.StatusCode == http.StatusOK,
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			result.ContentLength = n
		}
	}

	if !result.Accessible {
		result.Error = fmt.Sprintf("status code %d", resp.StatusCode)
	}

	return result, nil
}

// ProbeSize returns the size advertised for url by d, failing with
// domain.ErrProbe when it cannot be determined.
func ProbeSize(ctx context.Context, d Downloader, url string) (int64, error) {
	result, err := d.Probe(ctx, url)
	if err != nil {
		return 0, err
	}
	if !result.Accessible {
		return 0, fmt.Errorf("%w: %s", domain.ErrProbe, result.Error)
	}
	if result.ContentLength < 0 {
		return 0, fmt.Errorf("%w: missing or invalid content-length", domain.ErrProbe)
	}
	return result.ContentLength, nil
}

// FetchRange streams rng of url into w. Empty ranges are not requested.
func (d *HTTPDownloader) FetchRange(ctx context.Context, url string, rng Range, w io.Writer, onProgress func(n int)) (int64, error) {
	if rng.Empty() {
		return 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	d.setHeaders(req)
	req.Header.Set("Range", rng.Header())

	resp, err := d.streamClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: send request: %w", domain.ErrTransfer, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusForbidden, http.StatusUnauthorized:
		return 0, domain.ErrURLExpired
	case http.StatusTooManyRequests:
		return 0, domain.ErrRateLimited
	default:
		return 0, fmt.Errorf("%w: unexpected status code %d for %s", domain.ErrTransfer, resp.StatusCode, rng.Header())
	}

	d.logger.Debug("range started", "range", rng.Header())

	want := rng.Len()
	buf := make([]byte, d.chunkSize)
	var written int64
	for written < want {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if int64(n) > want-written {
				n = int(want - written)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write chunk: %w", err)
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(n)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return written, fmt.Errorf("%w: read after %d of %d bytes: %w", domain.ErrTransfer, written, want, readErr)
		}
	}

	if written != want {
		return written, fmt.Errorf("%w: received %d of %d bytes for %s", domain.ErrTransfer, written, want, rng.Header())
	}
	return written, nil
}

func (d *HTTPDownloader) setHeaders(req *http.Request) {
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
}

// IsRetryable reports whether a failed video pipeline may be run again.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrURLExpired):
		return false
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrTransfer):
		return true
	default:
		return false
	}
}
