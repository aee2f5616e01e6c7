package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/iconidentify/nicograb/internal/domain"
	"github.com/iconidentify/nicograb/internal/downloader"
	"github.com/iconidentify/nicograb/internal/platformtest"
	"github.com/iconidentify/nicograb/internal/progress"
	"github.com/iconidentify/nicograb/pkg/dmc"
)

// gatedDownloader holds every ranged fetch until ready reports true.
type gatedDownloader struct {
	downloader.Downloader
	ready func() bool
}

func (d gatedDownloader) FetchRange(ctx context.Context, url string, rng downloader.Range, w io.Writer, onProgress func(n int)) (int64, error) {
	deadline := time.Now().Add(2 * time.Second)
	for !d.ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return d.Downloader.FetchRange(ctx, url, rng, w, onProgress)
}

func TestDMCBackend_HeartbeatDuringDownload(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.HeartbeatMargin = 30 * time.Millisecond
	srv := platformtest.New(t)

	data := content(4096, 7)
	v := srv.AddDMC("so1", data)
	v.DMC.HeartbeatLifetime = 60

	dl := gatedDownloader{
		Downloader: downloader.NewHTTPDownloader(cfg, nil),
		ready:      func() bool { return srv.Heartbeats("so1") >= 2 },
	}
	b := NewDMCBackend(dmc.NewClient(srv.Client(), ""), dl, progress.Discard, cfg, testLogger())

	job := Job{Dir: t.TempDir(), Division: 4}
	if err := b.Run(context.Background(), v, job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	beats := srv.Heartbeats("so1")
	if beats < 2 {
		t.Errorf("heartbeats = %d, want at least 2 while downloading", beats)
	}
	time.Sleep(100 * time.Millisecond)
	if got := srv.Heartbeats("so1"); got != beats {
		t.Errorf("heartbeats went from %d to %d after the download finished", beats, got)
	}
}

func TestDMCBackend_HeartbeatStopsAfterFailure(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.HeartbeatMargin = 0
	srv := platformtest.New(t)

	v := srv.AddDMC("so1", content(1024, 1))
	v.DMC.HeartbeatLifetime = 20
	srv.Forbid("so1")

	b := NewDMCBackend(dmc.NewClient(srv.Client(), ""), downloader.NewHTTPDownloader(cfg, nil), progress.Discard, cfg, testLogger())

	err := b.Run(context.Background(), v, Job{Dir: t.TempDir(), Division: 2})
	if !errors.Is(err, domain.ErrURLExpired) || domain.StageOf(err) != domain.OpDownload {
		t.Fatalf("err = %v, want download / ErrURLExpired", err)
	}

	beats := srv.Heartbeats("so1")
	time.Sleep(80 * time.Millisecond)
	if got := srv.Heartbeats("so1"); got != beats {
		t.Errorf("heartbeats continued after a failed download: %d -> %d", beats, got)
	}
}

func TestDMCBackend_RejectedHeartbeatDoesNotFailDownload(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.HeartbeatMargin = 0
	srv := platformtest.New(t)

	data := content(2048, 9)
	v := srv.AddDMC("so1", data)
	v.DMC.HeartbeatLifetime = 20
	srv.RejectHeartbeats("so1")

	dl := gatedDownloader{
		Downloader: downloader.NewHTTPDownloader(cfg, nil),
		ready: func() bool {
			if srv.Heartbeats("so1") < 1 {
				return false
			}
			time.Sleep(50 * time.Millisecond)
			return true
		},
	}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	b := NewDMCBackend(dmc.NewClient(srv.Client(), ""), dl, progress.Discard, cfg, logger)

	dir := t.TempDir()
	if err := b.Run(context.Background(), v, Job{Dir: dir, Division: 2}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := srv.Heartbeats("so1"); got != 1 {
		t.Errorf("heartbeats = %d, want the loop to end after one rejection", got)
	}
	if !strings.Contains(logs.String(), "heartbeat stopped during download") {
		t.Errorf("missing heartbeat warning in logs:\n%s", logs.String())
	}
	got, err := os.ReadFile(v.Path(dir))
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("combined file mismatch: err=%v", err)
	}
}

func TestDMCBackend_HeartbeatFloorLimitsShortLifetimes(t *testing.T) {
	cfg := testDownloadConfig()
	cfg.HeartbeatMargin = 0
	cfg.HeartbeatFloor = time.Hour
	srv := platformtest.New(t)

	v := srv.AddDMC("so1", content(2048, 5))
	v.DMC.HeartbeatLifetime = 1

	b := NewDMCBackend(dmc.NewClient(srv.Client(), ""), downloader.NewHTTPDownloader(cfg, nil), progress.Discard, cfg, testLogger())
	if err := b.Run(context.Background(), v, Job{Dir: t.TempDir(), Division: 2}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := srv.Heartbeats("so1"); got != 0 {
		t.Errorf("heartbeats = %d, want none before the floor elapses", got)
	}
}

func TestSmileBackend_ReusesKnownSize(t *testing.T) {
	cfg := testDownloadConfig()
	srv := platformtest.New(t)

	data := content(900, 3)
	v := srv.AddSmile("sm1", data)
	if err := v.SetFileSize(int64(len(data))); err != nil {
		t.Fatalf("SetFileSize: %v", err)
	}
	srv.DisableHead("sm1")

	b := NewSmileBackend(downloader.NewHTTPDownloader(cfg, nil), nil, cfg, testLogger())
	if err := b.Run(context.Background(), v, Job{Dir: t.TempDir(), Division: 3}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}
