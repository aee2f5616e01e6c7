package service

import (
	"context"
	"log/slog"

	"github.com/iconidentify/nicograb/internal/config"
	"github.com/iconidentify/nicograb/internal/domain"
	"github.com/iconidentify/nicograb/internal/downloader"
	"github.com/iconidentify/nicograb/internal/progress"
)

// SmileBackend downloads videos served from a direct media URL. No
// server-side session is held, so no heartbeat runs.
type SmileBackend struct {
	fetcher
	logger *slog.Logger
}

// NewSmileBackend creates a Smile backend.
func NewSmileBackend(dl downloader.Downloader, indicators progress.IndicatorFactory, cfg config.DownloadConfig, logger *slog.Logger) *SmileBackend {
	return &SmileBackend{
		fetcher: fetcher{
			dl:           dl,
			indicators:   indicators,
			pollInterval: cfg.PollInterval,
		},
		logger: logger,
	}
}

// Run probes the size, downloads all chunks and combines them.
func (b *SmileBackend) Run(ctx context.Context, v *domain.Video, job Job) error {
	logger := b.logger.With("video_id", v.ID, "backend", domain.KindSmile)

	size, known := v.FileSize()
	if !known {
		err := gated(ctx, job.Gate, func() error {
			var err error
			size, err = downloader.ProbeSize(ctx, b.dl, v.SmileURL)
			return err
		})
		if err != nil {
			return domain.NewVideoError(v.ID, domain.OpProbe, err)
		}
		if err := recordSize(v, size); err != nil {
			return domain.NewVideoError(v.ID, domain.OpProbe, err)
		}
	}

	t, err := b.fetch(ctx, v, v.SmileURL, size, job, logger)
	if err != nil {
		return domain.NewVideoError(v.ID, domain.OpDownload, err)
	}
	return combine(v, t, logger)
}
