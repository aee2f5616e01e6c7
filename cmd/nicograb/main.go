package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/iconidentify/nicograb/internal/config"
	"github.com/iconidentify/nicograb/internal/domain"
	"github.com/iconidentify/nicograb/internal/downloader"
	"github.com/iconidentify/nicograb/internal/logging"
	"github.com/iconidentify/nicograb/internal/progress"
	"github.com/iconidentify/nicograb/internal/repository"
	"github.com/iconidentify/nicograb/internal/service"
	"github.com/iconidentify/nicograb/internal/session"
	"github.com/iconidentify/nicograb/pkg/dmc"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "nicograb",
		Usage: "download videos with concurrent ranged requests",
		Commands: []*cli.Command{{
			Name:      "download",
			Aliases:   []string{"dl"},
			Usage:     "download videos described in a metadata file",
			ArgsUsage: "[VIDEO_ID...]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "config",
					Aliases: []string{"c"},
					Usage:   "path to a YAML config file",
				},
				&cli.StringFlag{
					Name:     "metadata",
					Aliases:  []string{"m"},
					Usage:    "JSON or YAML file with the video records",
					Required: true,
				},
				&cli.StringFlag{
					Name:    "dest",
					Aliases: []string{"d"},
					Usage:   "destination directory",
					Value:   ".",
				},
				&cli.IntFlag{
					Name:  "division",
					Usage: "number of concurrent chunks per video",
				},
				&cli.IntFlag{
					Name:  "limit",
					Usage: "maximum size probes and session requests in flight",
				},
				&cli.BoolFlag{
					Name:  "multiline",
					Usage: "show one progress bar per chunk",
				},
				&cli.BoolFlag{
					Name:  "json",
					Usage: "negotiate DMC sessions in JSON instead of XML",
				},
			},
			Action: download,
		}, {
			Name:  "version",
			Usage: "print the version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "nicograb %s (built %s)\n", Version, BuildTime)
				return nil
			},
		}},
	}
}

func download(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.IsSet("json") {
		cfg.Download.UseJSON = c.Bool("json")
	}

	opts := service.OptionsFrom(cfg.Download)
	if c.IsSet("division") {
		opts.Division = c.Int("division")
	}
	if c.IsSet("limit") {
		opts.ConcurrencyLimit = c.Int("limit")
	}
	if c.IsSet("multiline") {
		opts.Multiline = c.Bool("multiline")
	}

	logger := logging.New(cfg.Log, c.App.ErrWriter)
	slog.SetDefault(logger)

	dir := c.String("dest")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	ids := make([]domain.VideoID, 0, c.NArg())
	for _, arg := range c.Args().Slice() {
		ids = append(ids, domain.VideoID(arg))
	}
	videos, err := repository.NewFileMetadataSource(c.String("metadata")).Load(c.Context, ids)
	if err != nil {
		return err
	}

	provider, err := session.NewCookieProvider(cfg.Session, cfg.Download.Timeout)
	if err != nil {
		return err
	}

	dl := downloader.NewHTTPDownloader(cfg.Download, provider.Jar())
	dl.SetLogger(logger)
	client := dmc.NewClient(provider.HTTPClient(), cfg.Download.UserAgent)
	client.SetLogger(logger)
	indicators := indicatorsFor(c.App.ErrWriter)

	svc := service.NewDownloadService(
		service.NewDMCBackend(client, dl, indicators, cfg.Download, logger),
		service.NewSmileBackend(dl, indicators, cfg.Download, logger),
		cfg.Download,
		logger,
	)

	report, err := svc.DownloadWith(c.Context, videos, dir, opts)
	if err != nil {
		return err
	}

	for _, id := range report.Done {
		fmt.Fprintf(c.App.Writer, "done\t%s\n", id)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(c.App.Writer, "failed\t%s\t%s\t%v\n", f.VideoID, f.Stage, f.Err)
	}
	if len(report.Failures) > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d videos failed", len(report.Failures), len(videos)), 1)
	}
	return nil
}

// indicatorsFor renders progress bars only when w is a terminal.
func indicatorsFor(w io.Writer) progress.IndicatorFactory {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return progress.NewConsole(w)
	}
	return progress.Discard
}
