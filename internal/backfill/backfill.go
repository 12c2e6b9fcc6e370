// internal/backfill/backfill.go
package backfill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maisoncolyne/photo-optimizer/internal/img"
)

// Extensions considered by a backfill run. GIFs are left alone.
var Extensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// Options controls a backfill run.
type Options struct {
	ThumbSize int
	Quality   int
	// DryRun reports what would be created without writing anything.
	DryRun    bool
}

// Summary counts what a run did. In a dry run Processed counts the
// thumbnails that would have been created.
type Summary struct {
	Found     int
	Processed int
	Skipped   int
	Errors    int
}

// Run creates the missing thumbnail of every original in dir, one file at a
// time. Originals that already have a thumbnail are skipped, so running it
// twice is harmless. A file that fails is counted and the run continues.
// Run returns an error only when dir cannot be listed or ctx is cancelled.
func Run(ctx context.Context, dir string, opts Options, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sum Summary

	candidates, err := Candidates(dir)
	if err != nil {
		return sum, err
	}
	sum.Found = len(candidates)
	logger.Info("backfill scan complete", "dir", dir, "found", sum.Found, "dry_run", opts.DryRun)

	for i, name := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		progress := fmt.Sprintf("%d/%d", i+1, len(candidates))
		srcPath := filepath.Join(dir, name)
		thumbName := img.ThumbName(name)

		if _, err := os.Stat(filepath.Join(dir, thumbName)); err == nil {
			sum.Skipped++
			logger.Info("thumbnail exists, skipping", "progress", progress, "file", name, "thumbnail", thumbName)
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			sum.Errors++
			logger.Error("stat thumbnail failed", "progress", progress, "file", name, "err", err)
			continue
		}

		if opts.DryRun {
			sum.Processed++
			logger.Info("would create thumbnail", "progress", progress, "file", name, "thumbnail", thumbName)
			continue
		}

		originalSize := fileSize(srcPath)
		thumbPath, err := img.GenerateThumbnailFile(srcPath, opts.ThumbSize, opts.Quality)
		if err != nil {
			sum.Errors++
			logger.Error("thumbnail failed", "progress", progress, "file", name, "err", err)
			continue
		}
		sum.Processed++
		logger.Info("thumbnail created",
			"progress", progress,
			"file", name,
			"thumbnail", filepath.Base(thumbPath),
			"original_bytes", originalSize,
			"thumbnail_bytes", fileSize(thumbPath),
		)
	}

	logger.Info("backfill complete",
		"processed", sum.Processed,
		"skipped", sum.Skipped,
		"errors", sum.Errors,
		"dry_run", opts.DryRun,
	)
	return sum, nil
}

// Candidates lists the originals in dir that may need a thumbnail, sorted by
// name. Thumbnails themselves are excluded, as are WebP files that are the
// derivative of another original in the same directory.
func Candidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	stems := map[string]bool{}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if img.IsThumbName(name) || !allowed(name) {
			continue
		}
		names = append(names, name)
		if ext := strings.ToLower(filepath.Ext(name)); ext != ".webp" {
			stems[strings.TrimSuffix(name, filepath.Ext(name))] = true
		}
	}

	out := names[:0]
	for _, name := range names {
		if strings.EqualFold(filepath.Ext(name), ".webp") && stems[strings.TrimSuffix(name, filepath.Ext(name))] {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func allowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
