package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iconidentify/nicograb/internal/config"
	"github.com/iconidentify/nicograb/internal/domain"
	"github.com/iconidentify/nicograb/internal/downloader"
	"github.com/iconidentify/nicograb/internal/progress"
	"github.com/iconidentify/nicograb/pkg/dmc"
)

// DMCBackend downloads videos through a negotiated DMC session, keeping the
// session alive with heartbeats while the chunks transfer.
type DMCBackend struct {
	fetcher
	client *dmc.Client
	format dmc.Format
	margin time.Duration
	floor  time.Duration
	logger *slog.Logger
}

// NewDMCBackend creates a DMC backend. cfg.UseJSON selects the JSON session
// format instead of XML.
func NewDMCBackend(client *dmc.Client, dl downloader.Downloader, indicators progress.IndicatorFactory, cfg config.DownloadConfig, logger *slog.Logger) *DMCBackend {
	format := dmc.FormatXML
	if cfg.UseJSON {
		format = dmc.FormatJSON
	}
	return &DMCBackend{
		fetcher: fetcher{
			dl:           dl,
			indicators:   indicators,
			pollInterval: cfg.PollInterval,
		},
		client: client,
		format: format,
		margin: cfg.HeartbeatMargin,
		floor:  cfg.HeartbeatFloor,
		logger: logger,
	}
}

// Run negotiates a session, downloads all chunks while the heartbeat runs,
// stops the heartbeat and combines the chunks.
func (b *DMCBackend) Run(ctx context.Context, v *domain.Video, job Job) error {
	logger := b.logger.With("video_id", v.ID, "backend", domain.KindDMC)

	var session *dmc.Session
	err := gated(ctx, job.Gate, func() error {
		var err error
		session, err = b.client.Negotiate(ctx, v, b.format)
		return err
	})
	if err != nil {
		return domain.NewVideoError(v.ID, domain.OpNegotiate, err)
	}
	logger.Debug("session negotiated", "session_id", session.ID)

	lifetime := time.Duration(v.DMC.HeartbeatLifetime) * time.Millisecond
	keeper := dmc.NewKeeper(b.client, session, dmc.Interval(lifetime, b.margin, b.floor), logger)
	keeper.Start(ctx)
	defer keeper.Stop()

	t, err := b.transfer(ctx, v, session, job, logger)

	// The session is only needed while chunks are in flight.
	keeper.Stop()
	if hbErr := keeper.Err(); hbErr != nil {
		logger.Warn("heartbeat stopped during download", "error", hbErr, "heartbeats", keeper.Beats())
	}

	if err != nil {
		return err
	}
	return combine(v, t, logger)
}

func (b *DMCBackend) transfer(ctx context.Context, v *domain.Video, s *dmc.Session, job Job, logger *slog.Logger) (*downloader.Transfer, error) {
	size, err := b.size(ctx, v, s, job, logger)
	if err != nil {
		return nil, domain.NewVideoError(v.ID, domain.OpProbe, err)
	}

	t, err := b.fetch(ctx, v, s.ContentURI, size, job, logger)
	if err != nil {
		return nil, domain.NewVideoError(v.ID, domain.OpDownload, err)
	}
	return t, nil
}

// size returns the byte size of the session's media. A HEAD on the content
// URI is preferred; the platform-reported size is used when it fails.
func (b *DMCBackend) size(ctx context.Context, v *domain.Video, s *dmc.Session, job Job, logger *slog.Logger) (int64, error) {
	if size, ok := v.FileSize(); ok {
		return size, nil
	}

	var size int64
	err := gated(ctx, job.Gate, func() error {
		var err error
		size, err = downloader.ProbeSize(ctx, b.dl, s.ContentURI)
		return err
	})
	if err != nil {
		if ctx.Err() != nil || !errors.Is(err, domain.ErrProbe) {
			return 0, err
		}
		if v.DMC.ReportedSize <= 0 {
			return 0, fmt.Errorf("%w; no reported size", err)
		}
		logger.Debug("size probe failed, using reported size", "error", err, "size", v.DMC.ReportedSize)
		size = v.DMC.ReportedSize
	}

	if err := recordSize(v, size); err != nil {
		return 0, err
	}
	return size, nil
}
