// cmd/optimize runs the upload derivative generation against a single local
// file, without the HTTP server.
//
// Usage:
//
//	./optimize -input photo.jpg -out /tmp/try   # work on a copy in /tmp/try
//	./optimize -input photo.jpg -in-place       # optimize the file itself
//	./optimize -input photo.jpg -probe          # show metadata only
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/maisoncolyne/photo-optimizer/internal/config"
	"github.com/maisoncolyne/photo-optimizer/internal/img"
)

func main() {
	_ = godotenv.Load()

	input := flag.String("input", "", "Input image path (required)")
	out := flag.String("out", "", "Directory to copy the input into before optimizing")
	inPlace := flag.Bool("in-place", false, "Optimize the input file itself (may overwrite it)")
	probe := flag.Bool("probe", false, "Show image metadata only (don't optimize)")
	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}
	if !*probe && *out == "" && !*inPlace {
		log.Fatalf("either -out or -in-place is required")
	}

	if *probe {
		if err := printProbe(*input); err != nil {
			log.Fatalf("probe failed: %v", err)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	path := *input
	if !*inPlace {
		path, err = copyInto(*input, *out)
		if err != nil {
			log.Fatalf("copy input: %v", err)
		}
	}

	start := time.Now()
	d := img.NewOptimizer(img.Options{
		ThumbSize:    cfg.ThumbSize,
		ThumbQuality: cfg.ThumbQuality,
		JPEGQuality:  cfg.JPEGQuality,
		WebPQuality:  cfg.WebPQuality,
		WebPMethod:   cfg.WebPMethod,
	}, nil, nil).Optimize(path)
	elapsed := time.Since(start)

	dir := filepath.Dir(path)
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Original:   %s (%s, %dx%d)\n", path, d.Format, d.Width, d.Height)
	fmt.Printf("Size:       %s -> %s (recompressed: %v)\n", formatBytes(d.OriginalSize), formatBytes(d.OptimizedSize), d.Recompressed)
	if d.Thumbnail != "" {
		fmt.Printf("Thumbnail:  %s (%dx%d, %s)\n", filepath.Join(dir, d.Thumbnail), d.ThumbWidth, d.ThumbHeight, formatBytes(d.ThumbnailSize))
	}
	if d.WebP != "" {
		fmt.Printf("WebP:       %s (%s)\n", filepath.Join(dir, d.WebP), formatBytes(d.WebPSize))
	}
	fmt.Printf("Time:       %v\n", elapsed.Round(time.Millisecond))

	if err := d.Err(); err != nil {
		fmt.Printf("Failed steps:\n")
		for _, e := range d.Errors {
			fmt.Printf("  %s\n", e)
		}
		os.Exit(1)
	}
}

func printProbe(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Printf("Content type: %s\n", http.DetectContentType(data))
	fmt.Printf("File size:    %s\n", formatBytes(int64(len(data))))

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	fmt.Printf("Format:       %s\n", format)
	fmt.Printf("Dimensions:   %dx%d pixels\n", cfg.Width, cfg.Height)
	return nil
}

// copyInto copies src into dir and returns the new path. It refuses to copy
// a file onto itself.
func copyInto(src, dir string) (string, error) {
	dst := filepath.Join(dir, filepath.Base(src))
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return "", err
	}
	if absSrc == absDst {
		return "", fmt.Errorf("%s is already in %s; use -in-place or another -out", src, dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, filepath.Base(src)+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
