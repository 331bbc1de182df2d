package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "torrentcast/internal/api/http"
	"torrentcast/internal/app"
	"torrentcast/internal/engine/anacrolix"
	"torrentcast/internal/metrics"
	"torrentcast/internal/reaper"
	"torrentcast/internal/registry"
	mongorepo "torrentcast/internal/repository/mongo"
	"torrentcast/internal/scheduler"
	"torrentcast/internal/telemetry"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "torrentcast")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "torrentcast"),
		slog.Int("port", cfg.Port),
		slog.Int("sessionPort", cfg.SessionPort()),
		slog.String("downloadPath", cfg.DownloadPath),
		slog.String("hlsPath", cfg.HLSPath),
		slog.Int64("warmCacheMB", cfg.WarmCacheSizeMB),
		slog.Bool("warmCachePause", cfg.WarmCachePause),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resume persistence is optional: without a Mongo URI the gateway
	// simply starts empty after every restart.
	var resumeStore *mongorepo.ResumeStore
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err == nil {
			err = mongoClient.Ping(ctx, readpref.Primary())
		}
		cancel()
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		resumeStore = mongorepo.NewResumeStore(mongoClient, cfg.MongoDatabase)
		defer func() {
			disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = mongoClient.Disconnect(disconnectCtx)
			disconnectCancel()
		}()
	}

	session, err := anacrolix.New(anacrolix.Config{
		DataDir:    cfg.DownloadPath,
		ListenPort: cfg.SessionPort(),
		MaxConns:   cfg.MaxConnections,
		AddTimeout: cfg.MetadataTimeout,
	}, logger)
	if err != nil {
		logger.Error("torrent session init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sched := scheduler.New(cfg.WarmCacheBytes(), logger)
	reg := registry.New(session, sched, registry.Config{
		DownloadDir:     cfg.DownloadPath,
		HLSDir:          cfg.HLSPath,
		FFmpegPath:      cfg.FFmpegPath,
		SourceTimeout:   cfg.SourceFileTimeout,
		PlaylistTimeout: cfg.PlaylistTimeout,
		WarmCachePause:  cfg.WarmCachePause,
	}, logger)

	handler := apihttp.NewServer(reg,
		apihttp.WithStreams(reg),
		apihttp.WithFFmpegPath(cfg.FFmpegPath),
		apihttp.WithDataPaths(cfg.DownloadPath, cfg.HLSPath),
		apihttp.WithLogger(logger),
	)
	reg.SetOnChange(handler.BroadcastStatuses)

	// Re-admit torrents persisted on the last shutdown before the alert
	// loop starts; it runs in the background so HTTP comes up immediately.
	if resumeStore != nil {
		go func() {
			loadCtx, loadCancel := context.WithTimeout(rootCtx, 30*time.Second)
			defer loadCancel()
			records, err := resumeStore.Load(loadCtx)
			if err != nil {
				logger.Warn("resume load failed", slog.String("error", err.Error()))
				return
			}
			reg.Restore(rootCtx, records)
		}()
	}

	go registry.NewAlertLoop(reg, cfg.AlertInterval).Run(rootCtx)
	go reaper.New(reg, cfg.WarmCacheTimeout, cfg.ReaperInterval, logger).Run(rootCtx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", srv.Addr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}

	if resumeStore != nil {
		if err := resumeStore.Flush(shutdownCtx, reg.ResumeRecords()); err != nil {
			logger.Warn("resume flush failed", slog.String("error", err.Error()))
		}
	}

	reg.Close()
	if err := session.Close(); err != nil {
		logger.Warn("torrent session close error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
