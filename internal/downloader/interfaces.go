package downloader

import (
	"context"
	"io"
)

// Downloader fetches video content from URLs.
type Downloader interface {
	// Probe checks URL accessibility and size without downloading content.
	Probe(ctx context.Context, url string) (*ProbeResult, error)

	// FetchRange streams one byte range of url into w, calling onProgress
	// with the length of every segment written. It returns the number of
	// bytes written.
	FetchRange(ctx context.Context, url string, rng Range, w io.Writer, onProgress func(n int)) (int64, error)
}

// ProgressObserver is notified of every segment a chunk worker writes.
type ProgressObserver interface {
	Advance(chunk int, n int)
}

// ProbeResult contains information about a video URL.
type ProbeResult struct {
	ContentType   string
	ContentLength int64 // -1 when the header is absent or malformed
	Accessible    bool
	Error         string
}
