// cmd/backfill/main.go
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/maisoncolyne/photo-optimizer/internal/backfill"
	"github.com/maisoncolyne/photo-optimizer/internal/config"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}

	dir := flag.String("dir", cfg.UploadDir, "Content directory to scan (default: UPLOAD_DIR)")
	size := flag.Int("size", cfg.ThumbSize, "Thumbnail bounding box in pixels")
	quality := flag.Int("quality", cfg.ThumbQuality, "Thumbnail JPEG quality (1-100)")
	dryRun := flag.Bool("dry-run", false, "Show what would be created without writing thumbnails")
	flag.Parse()

	// Re-validate so bad flag values fail the same way bad env values do.
	cfg, err = config.Load(
		config.WithUploadDir(*dir),
		config.WithThumbSize(*size),
		config.WithThumbQuality(*quality),
	)
	if err != nil {
		fatal(logger, "invalid flags", err)
	}

	logger.Info("backfill starting", "dir", cfg.UploadDir, "size", cfg.ThumbSize, "quality", cfg.ThumbQuality, "dry_run", *dryRun)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := backfill.Run(ctx, cfg.UploadDir, backfill.Options{
		ThumbSize: cfg.ThumbSize,
		Quality:   cfg.ThumbQuality,
		DryRun:    *dryRun,
	}, logger)
	if err != nil {
		fatal(logger, "backfill failed", err, "processed", sum.Processed, "skipped", sum.Skipped, "errors", sum.Errors)
	}
	if sum.Errors > 0 {
		logger.Error("some thumbnails failed", "errors", sum.Errors)
		os.Exit(1)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
