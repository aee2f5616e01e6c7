package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/iconidentify/nicograb/internal/config"
	"github.com/iconidentify/nicograb/internal/domain"
	"github.com/iconidentify/nicograb/internal/downloader"
)

// DownloadOptions are the per-batch settings a caller may override.
type DownloadOptions struct {
	Division         int
	ConcurrencyLimit int
	Multiline        bool
}

// OptionsFrom returns the batch settings held in cfg.
func OptionsFrom(cfg config.DownloadConfig) DownloadOptions {
	return DownloadOptions{
		Division:         cfg.Division,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		Multiline:        cfg.Multiline,
	}
}

// Failure describes a video whose pipeline did not finish.
type Failure struct {
	VideoID domain.VideoID
	Stage   string
	Err     error
}

// Report is the outcome of a batch.
type Report struct {
	BatchID string
	// Done lists, in id order, the videos whose combined file was written.
	Done     []domain.VideoID
	Failures []Failure
}

// Succeeded reports whether id finished.
func (r *Report) Succeeded(id domain.VideoID) bool {
	i := sort.Search(len(r.Done), func(i int) bool { return r.Done[i] >= id })
	return i < len(r.Done) && r.Done[i] == id
}

// DownloadService runs a batch of video downloads, DMC and Smile pipelines
// side by side.
type DownloadService struct {
	dmc    Backend
	smile  Backend
	cfg    config.DownloadConfig
	logger *slog.Logger
}

// NewDownloadService creates a new download service.
func NewDownloadService(dmcBackend, smileBackend Backend, cfg config.DownloadConfig, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		dmc:    dmcBackend,
		smile:  smileBackend,
		cfg:    cfg,
		logger: logger,
	}
}

// Download fetches every video into dir with the configured settings.
func (s *DownloadService) Download(ctx context.Context, videos map[domain.VideoID]*domain.Video, dir string) (*Report, error) {
	return s.DownloadWith(ctx, videos, dir, OptionsFrom(s.cfg))
}

// DownloadWith fetches every video into dir. One video failing never stops
// the others; the error is only for unusable arguments.
func (s *DownloadService) DownloadWith(ctx context.Context, videos map[domain.VideoID]*domain.Video, dir string, opts DownloadOptions) (*Report, error) {
	if dir == "" {
		return nil, fmt.Errorf("destination directory is required")
	}
	if opts.Division < 1 {
		return nil, fmt.Errorf("division must be at least 1, got %d", opts.Division)
	}
	if opts.ConcurrencyLimit < 1 {
		return nil, fmt.Errorf("concurrency limit must be at least 1, got %d", opts.ConcurrencyLimit)
	}

	job := Job{
		BatchID:   uuid.New().String()[:8],
		Dir:       dir,
		Division:  opts.Division,
		Multiline: opts.Multiline,
		Gate:      semaphore.NewWeighted(int64(opts.ConcurrencyLimit)),
	}
	logger := s.logger.With("batch_id", job.BatchID)

	ids := make([]domain.VideoID, 0, len(videos))
	for id := range videos {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	report := &Report{BatchID: job.BatchID}
	var mu sync.Mutex
	record := func(id domain.VideoID, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			report.Done = append(report.Done, id)
			return
		}
		report.Failures = append(report.Failures, Failure{
			VideoID: id,
			Stage:   domain.StageOf(err),
			Err:     err,
		})
	}

	var dmcCount, smileCount int
	var wg sync.WaitGroup
	for _, id := range ids {
		v := videos[id]

		var backend Backend
		switch v.Kind() {
		case domain.KindDMC:
			backend = s.dmc
			dmcCount++
		case domain.KindSmile:
			if v.DMC != nil {
				logger.Warn("incomplete DMC parameters, using Smile", "video_id", id)
			}
			backend = s.smile
			smileCount++
		default:
			logger.Warn("video skipped, no supported delivery method", "video_id", id)
			record(id, domain.NewVideoError(id, domain.OpSelect, domain.ErrUnsupported))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			record(id, s.run(ctx, backend, v, job, logger))
		}()
	}

	logger.Info("batch started", "videos", len(ids), "dmc", dmcCount, "smile", smileCount, "division", job.Division)
	wg.Wait()

	sort.Slice(report.Done, func(i, j int) bool { return report.Done[i] < report.Done[j] })
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].VideoID < report.Failures[j].VideoID })

	for _, f := range report.Failures {
		logger.Error("video failed", "video_id", f.VideoID, "stage", f.Stage, "error", f.Err)
	}
	logger.Info("batch finished", "done", len(report.Done), "failed", len(report.Failures))
	return report, nil
}

// run drives one pipeline, starting it over after transient transfer errors.
func (s *DownloadService) run(ctx context.Context, backend Backend, v *domain.Video, job Job, logger *slog.Logger) error {
	retryCfg := downloader.RetryConfigFrom(s.cfg)

	_, err := downloader.RetryWithCheck(ctx, retryCfg, func(attempt int) (struct{}, error) {
		if attempt > 1 {
			logger.Info("retrying video", "video_id", v.ID, "attempt", attempt, "max_attempts", retryCfg.MaxAttempts)
		}
		return struct{}{}, backend.Run(ctx, v, job)
	}, downloader.IsRetryable)

	var ve *domain.VideoError
	if err != nil && !errors.As(err, &ve) {
		err = domain.NewVideoError(v.ID, domain.OpDownload, err)
	}
	return err
}
