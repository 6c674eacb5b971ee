// Command streamflix serves a Telegram channel as a streaming media library:
// range-capable playback, TMDB-enriched metadata, on-the-fly remux and
// subtitle extraction, with all background work yielding to active viewers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onlyvaibhav/streamflix/internal/activity"
	"github.com/onlyvaibhav/streamflix/internal/chunk"
	"github.com/onlyvaibhav/streamflix/internal/config"
	"github.com/onlyvaibhav/streamflix/internal/history"
	"github.com/onlyvaibhav/streamflix/internal/library"
	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/mediainfo"
	"github.com/onlyvaibhav/streamflix/internal/remote"
	"github.com/onlyvaibhav/streamflix/internal/server"
	"github.com/onlyvaibhav/streamflix/internal/store"
	"github.com/onlyvaibhav/streamflix/internal/stream"
	"github.com/onlyvaibhav/streamflix/internal/syncer"
	"github.com/onlyvaibhav/streamflix/internal/tmdb"
	"github.com/onlyvaibhav/streamflix/internal/transcode"
	"github.com/onlyvaibhav/streamflix/internal/worker"
)

const (
	tempSweepInterval = 15 * time.Minute
	tempMaxAge        = time.Hour
)

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "streamflix: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config.LoadEnvFile(".env")
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logging.Configure(logging.Config{Service: "streamflix"})
	log := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tg := remote.NewTelegram(cfg.APIID, cfg.APIHash, cfg.SessionFile, cfg.ChannelID)
	if err := tg.Start(ctx); err != nil {
		return fmt.Errorf("remote client: %w", err)
	}

	fetcher := chunk.NewFetcher(tg, cfg.ChunkSize, cfg.MaxCacheSize)
	st := store.New(cfg.MetadataDir(), cfg.PostersDir(), cfg.BackdropsDir(), cfg.ListingCachePath())

	tempDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return err
	}

	var prober *mediainfo.Prober
	if path, err := exec.LookPath(cfg.FFprobePath); err == nil {
		prober = mediainfo.NewProber(fetcher, path, tempDir)
	} else {
		log.Warn().Str("tool", cfg.FFprobePath).Msg("probe tool not found, track info disabled")
	}

	var sup *transcode.Supervisor
	if path, err := exec.LookPath(cfg.FFmpegPath); err == nil {
		rawBase := fmt.Sprintf("http://127.0.0.1:%d/internal/raw", cfg.InternalPort)
		sup = transcode.NewSupervisor(path, rawBase)
	} else {
		log.Warn().Str("tool", cfg.FFmpegPath).Msg("transcode tool not found, remux disabled")
	}

	hist, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		log.Warn().Err(err).Msg("progress store unavailable")
		hist = nil
	} else {
		defer hist.Close()
	}

	tracker := activity.NewTracker(nil, nil)
	td := tmdb.New(cfg.TMDBAPIKey, cfg.TMDBBaseURL, cfg.TMDBImgURL)
	w := worker.New(st, td, prober, tg, tracker, cfg.PostersDir(), cfg.BackdropsDir())
	agg := library.NewAggCache(cfg.TVCacheDir())
	watcher := store.NewWatcher(st)
	sy := syncer.New(tg, st, w, tracker, agg, hist, watcher.Queue(), cfg.SyncInterval)
	sh := stream.New(fetcher, tg, st, prober, sup, tracker, hist)

	srv := server.New(cfg, server.Deps{
		Stream:  sh,
		Store:   st,
		Agg:     agg,
		Tracker: tracker,
		Worker:  w,
		Syncer:  sy,
		Sup:     sup,
		History: hist,
		Remote:  tg,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return sy.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return sweepTemp(ctx, tempDir) })

	log.Info().Msg("streamflix started")
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Info().Msg("streamflix stopped")
	return nil
}

// sweepTemp removes probe scratch files older than an hour.
func sweepTemp(ctx context.Context, dir string) error {
	tick := time.NewTicker(tempSweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			cutoff := time.Now().Add(-tempMaxAge)
			for _, e := range entries {
				info, err := e.Info()
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
				os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
}
