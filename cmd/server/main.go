// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maisoncolyne/photo-optimizer/internal/auth"
	"github.com/maisoncolyne/photo-optimizer/internal/bus"
	"github.com/maisoncolyne/photo-optimizer/internal/config"
	"github.com/maisoncolyne/photo-optimizer/internal/img"
	"github.com/maisoncolyne/photo-optimizer/internal/metrics"
	"github.com/maisoncolyne/photo-optimizer/internal/process"
	"github.com/maisoncolyne/photo-optimizer/internal/server"
	"github.com/maisoncolyne/photo-optimizer/internal/upload"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fatal(logger, "load config", err)
	}
	if err := run(cfg, logger); err != nil {
		fatal(logger, "server failed", err)
	}
}

// loadConfig resolves the environment and lets command line flags override
// the listen address, the per-file size limit and the optimization switch.
func loadConfig(args []string) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	addr := fs.String("addr", cfg.HTTPAddr, "HTTP listen address (default: HTTP_ADDR)")
	maxBytes := fs.Int64("max-upload-bytes", cfg.MaxUploadBytes, "Per-file upload limit in bytes")
	noOptimize := fs.Bool("no-optimize", !cfg.OptimizeEnabled, "Store uploads without generating derivatives")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	// Re-validate so bad flag values fail the same way bad env values do.
	return config.Load(
		config.WithHTTPAddr(*addr),
		config.WithMaxUploadBytes(*maxBytes),
		config.WithOptimizeEnabled(!*noOptimize),
	)
}

// run serves until the process is signalled or the listener fails. Every
// resource it opens is released before it returns.
func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("server starting",
		"addr", cfg.HTTPAddr,
		"upload_dir", cfg.UploadDir,
		"max_upload_bytes", cfg.MaxUploadBytes,
		"max_upload_files", cfg.MaxUploadFiles,
		"thumb_size", cfg.ThumbSize,
		"optimize_enabled", cfg.OptimizeEnabled,
		"optimize_concurrency", cfg.OptimizeConcurrency,
		"nats_enabled", cfg.NATSURL != "",
	)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := upload.NewStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("open upload dir %s: %w", cfg.UploadDir, err)
	}

	obs, err := metrics.New("photo_optimizer", prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	pipeOpts := process.Options{
		Enabled:     cfg.OptimizeEnabled,
		Concurrency: cfg.OptimizeConcurrency,
		Observer:    obs,
	}
	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "nats_url", cfg.NATSURL, "subject", cfg.OptimizedSubject)
		pipeOpts.Publisher = nc
		pipeOpts.Subject = cfg.OptimizedSubject
	}

	optimizer := img.NewOptimizer(img.Options{
		ThumbSize:    cfg.ThumbSize,
		ThumbQuality: cfg.ThumbQuality,
		JPEGQuality:  cfg.JPEGQuality,
		WebPQuality:  cfg.WebPQuality,
		WebPMethod:   cfg.WebPMethod,
	}, logger, obs)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if verifier == nil {
		logger.Warn("JWT_SECRET not set, upload routes will reject every request")
	}

	srv := server.New(server.Deps{
		Addr:     cfg.HTTPAddr,
		MaxFiles: cfg.MaxUploadFiles,
		Store:    store,
		Pipeline: process.NewPipeline(optimizer, pipeOpts, logger),
		Verifier: verifier,
		Metrics:  obs,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	logger.Info("server stopped")
	return nil
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
