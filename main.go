package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"playcast/broadcaster"
	"playcast/broadcaster/download"
	"playcast/broadcaster/encoder"
	"playcast/broadcaster/manifest"
	"playcast/broadcaster/resolver"
	"playcast/broadcaster/stream"
	"playcast/config"
	"playcast/logsink"
	"playcast/metrics"
	"playcast/registry"
	"playcast/statusapi"
)

var (
	isDev   bool
	envFile string
)

const (
	devUsage        = "whether to run in dev mode, which prints debug logs"
	shutdownTimeout = 30 * time.Second
)

func init() {
	flag.BoolVar(&isDev, "dev", false, devUsage)
	flag.BoolVar(&isDev, "d", false, devUsage+" (shorthand)")
	flag.StringVar(&envFile, "env", ".env", "env file to load before reading the environment")
}

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if isDev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := config.Load(envFile); err != nil {
		sugar.Debugw("No env file loaded", "path", envFile, "error", err)
	}
	settings := config.FromEnv()

	if _, err := exec.LookPath(settings.FfmpegPath); err != nil {
		sugar.Panicw("ffmpeg not found", "path", settings.FfmpegPath)
	}
	if _, err := exec.LookPath(settings.YtDlpPath); err != nil {
		sugar.Warnw("yt-dlp not found, playlist streams will fail to resolve", "path", settings.YtDlpPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var reg registry.Registry
	if settings.RedisURL != "" {
		redisReg, err := registry.DialRedis(ctx, settings.RedisURL, settings.RecordTTL)
		if err != nil {
			sugar.Panicw("Failed to connect to redis", "error", err)
		}
		defer redisReg.Close()
		reg = redisReg
	} else {
		reg = registry.NewMemory()
	}

	sinks := []logsink.Sink{logsink.NewZap(sugar)}
	if settings.DatabaseURL != "" {
		pgSink, pool, err := logsink.OpenPostgres(ctx, settings.DatabaseURL)
		if err != nil {
			sugar.Panicw("Failed to open stream log database", "error", err)
		}
		defer pool.Close()
		sinks = append(sinks, pgSink)
	}

	ytdlp := resolver.NewYtDlp(sugar, settings.YtDlpPath, settings.QualityCap)
	downloads := download.New(sugar, ytdlp, download.Options{
		Workers:       settings.DownloadWorkers,
		Attempts:      settings.DownloadAttempts,
		RetryDelay:    settings.DownloadRetryDelay,
		Timeout:       settings.DownloadTimeout,
		RatePerSecond: settings.DownloadRate,
	})
	downloads.OnResult(m.ObserveDownload)
	res := resolver.New(sugar, ytdlp, ytdlp, downloads, resolver.Options{
		MediaRoot: settings.MediaRoot,
		OnDrop: func(kind stream.SourceKind) {
			m.IncDroppedItems(kind.String())
		},
	})

	b := broadcaster.New(sugar, &broadcaster.Config{
		ScratchRoot: settings.ScratchRoot,
		Resolver:    res,
		Manifests:   manifest.New(sugar, settings.LoopMultiplier),
		Registry:    reg,
		Sink:        logsink.Multi(sinks...),
		Metrics:     m,
		Encoder: encoder.Options{
			Bin:               settings.FfmpegPath,
			RestartCeiling:    settings.RestartCeiling,
			RestartBackoff:    settings.RestartBackoff,
			RestartBackoffMax: settings.RestartBackoffMax,
			StableRunDuration: settings.StableRunDuration,
			StopGrace:         settings.StopGrace,
			LivenessGrace:     settings.LivenessGrace,
			LogFlushInterval:  settings.LogFlushInterval,
			LogMaxLines:       settings.LogMaxLines,
		},
	})

	srv := &http.Server{
		Addr:    settings.StatusAddr,
		Handler: statusapi.Router(statusapi.NewHandler(sugar, reg, nil), m.Handler()),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("Status server failed", "error", err)
			stop()
		}
	}()
	sugar.Infow("Status server listening", "addr", settings.StatusAddr)

	for _, path := range flag.Args() {
		cfg, err := readStreamConfig(path)
		if err != nil {
			sugar.Errorw("Failed to read stream config", "path", path, "error", err)
			continue
		}
		if _, err := b.Start(ctx, cfg); err != nil {
			sugar.Errorw("Failed to start stream", "streamId", cfg.Id, "error", err)
			continue
		}
		sugar.Infow("Stream started", "streamId", cfg.Id, "source", cfg.Source)
	}

	<-ctx.Done()
	sugar.Infow("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Close(shutdownCtx); err != nil {
		sugar.Warnw("Could not stop all streams", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("Could not shut down status server gracefully", "error", err)
	}
}

func readStreamConfig(path string) (stream.Config, error) {
	var cfg stream.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = json.Unmarshal(data, &cfg)
	return cfg, err
}
