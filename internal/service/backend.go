package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/iconidentify/nicograb/internal/domain"
	"github.com/iconidentify/nicograb/internal/downloader"
	"github.com/iconidentify/nicograb/internal/progress"
)

// Job carries the settings shared by every pipeline of one batch.
type Job struct {
	BatchID   string
	Dir       string
	Division  int
	Multiline bool
	// Gate bounds the size probes and session requests in flight across
	// the batch. Ranged transfers are not gated.
	Gate *semaphore.Weighted
}

// Backend runs the download pipeline of a single video. Errors are
// *domain.VideoError values naming the stage that failed.
type Backend interface {
	Run(ctx context.Context, v *domain.Video, job Job) error
}

// gated runs fn while holding one slot of gate.
func gated(ctx context.Context, gate *semaphore.Weighted, fn func() error) error {
	if gate != nil {
		if err := gate.Acquire(ctx, 1); err != nil {
			return err
		}
		defer gate.Release(1)
	}
	return fn()
}

// fetcher runs the ranged transfer of one video and reports its progress.
type fetcher struct {
	dl           downloader.Downloader
	indicators   progress.IndicatorFactory
	pollInterval time.Duration
}

// fetch downloads size bytes of url into partial files next to the video's
// final path. The returned transfer is ready to combine when err is nil.
func (f *fetcher) fetch(ctx context.Context, v *domain.Video, url string, size int64, job Job, logger *slog.Logger) (*downloader.Transfer, error) {
	t, err := downloader.NewTransfer(v.Path(job.Dir), url, size, job.Division)
	if err != nil {
		return nil, err
	}

	chunkSizes := make([]int64, len(t.Ranges))
	for i, rng := range t.Ranges {
		chunkSizes[i] = rng.Len()
	}

	logger.Info("download started",
		"title", v.Title,
		"size", humanize.Bytes(uint64(size)),
		"chunks", t.Division,
	)

	agg := progress.NewAggregator(f.indicators, job.Multiline, f.pollInterval)
	agg.Start(string(v.ID), size, chunkSizes, t.Downloaded)
	err = t.Run(ctx, f.dl, agg)
	agg.Finish()

	if err != nil {
		logger.Warn("download failed",
			"received", humanize.Bytes(uint64(t.Downloaded())),
			"error", err,
		)
		return nil, err
	}
	return t, nil
}

// combine joins the partial files of a finished transfer.
func combine(v *domain.Video, t *downloader.Transfer, logger *slog.Logger) error {
	n, err := t.Combine()
	if err != nil {
		return domain.NewVideoError(v.ID, domain.OpCombine, err)
	}
	logger.Info("video saved", "path", t.Path, "size", humanize.Bytes(uint64(n)))
	return nil
}

// recordSize stores a probed size unless an earlier attempt already did.
func recordSize(v *domain.Video, size int64) error {
	if err := v.SetFileSize(size); err != nil {
		if current, ok := v.FileSize(); ok && current == size {
			return nil
		}
		return err
	}
	return nil
}
