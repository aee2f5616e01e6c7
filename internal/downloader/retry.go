package downloader

import (
	"context"
	"time"

	"github.com/iconidentify/nicograb/internal/config"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  5 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryConfigFrom derives the retry policy from download settings.
func RetryConfigFrom(cfg config.DownloadConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryDelay > 0 {
		rc.InitialDelay = cfg.RetryDelay
	}
	if cfg.MaxRetryDelay > 0 {
		rc.MaxDelay = cfg.MaxRetryDelay
	}
	return rc
}

// RetryWithCheck runs fn until it succeeds, shouldRetry rejects its error,
// or MaxAttempts is reached, sleeping with exponential backoff in between.
// fn receives the 1-based attempt number.
func RetryWithCheck[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(attempt int) (T, error),
	shouldRetry func(error) bool,
) (T, error) {
	var lastErr error
	var zero T

	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !shouldRetry(err) || attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, lastErr
}
