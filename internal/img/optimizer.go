package img

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
)

// Step names one stage of derivative generation.
type Step string

const (
	StepRead       Step = "read"
	StepDecode     Step = "decode"
	StepThumbnail  Step = "thumbnail"
	StepRecompress Step = "recompress"
	StepWebP       Step = "webp"
)

// StepError records which step of Optimize failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return string(e.Step) + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Options controls derivative generation.
type Options struct {
	ThumbSize    int
	ThumbQuality int
	JPEGQuality  int
	WebPQuality  int
	WebPMethod   int
}

// Observer is told how long every executed step took and whether it failed.
type Observer interface {
	ObserveStep(step string, d time.Duration, err error)
}

// Derivatives describes what Optimize produced for one original. File names
// are base names in the original's directory; an empty name means the
// artifact was not produced.
type Derivatives struct {
	Format Format
	Width  int
	Height int

	Thumbnail   string
	ThumbWidth  int
	ThumbHeight int
	WebP        string

	Recompressed bool

	OriginalSize  int64
	OptimizedSize int64
	ThumbnailSize int64
	WebPSize      int64

	Errors []*StepError
}

// Err joins every step error, or returns nil when all steps succeeded.
func (d Derivatives) Err() error {
	if len(d.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(d.Errors))
	for i, e := range d.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Failed reports whether step is among the recorded failures.
func (d Derivatives) Failed(step Step) bool {
	for _, e := range d.Errors {
		if e.Step == step {
			return true
		}
	}
	return false
}

// Optimizer turns one stored original into its thumbnail, an optimized
// original and a WebP copy.
type Optimizer struct {
	opts     Options
	logger   *slog.Logger
	observer Observer
}

// NewOptimizer returns an Optimizer. observer may be nil.
func NewOptimizer(opts Options, logger *slog.Logger, observer Observer) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{opts: opts, logger: logger, observer: observer}
}

// Optimize reads the original at path once and runs the thumbnail,
// recompression and WebP steps against the decoded image, in that order.
// A failing step is recorded and the next one still runs. Optimize never
// removes the original.
func (o *Optimizer) Optimize(path string) Derivatives {
	name := filepath.Base(path)
	dir := filepath.Dir(path)
	logger := o.logger.With("file", name)

	var d Derivatives

	var data []byte
	if !o.run(&d, logger, StepRead, func() (err error) {
		data, err = os.ReadFile(path)
		return err
	}) {
		return d
	}
	d.OriginalSize = int64(len(data))
	d.OptimizedSize = d.OriginalSize

	var src image.Image
	if !o.run(&d, logger, StepDecode, func() error {
		_, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return err
		}
		d.Format = Format(format)
		src, err = imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		return err
	}) {
		return d
	}
	// The decoded image holds everything the remaining steps need.
	data = nil

	b := src.Bounds()
	d.Width, d.Height = b.Dx(), b.Dy()
	logger.Info("optimizing image", "format", d.Format, "width", d.Width, "height", d.Height, "size_bytes", d.OriginalSize)

	thumbName := ThumbName(name)
	o.run(&d, logger, StepThumbnail, func() error {
		w, h, err := GenerateThumbnail(src, filepath.Join(dir, thumbName), o.opts.ThumbSize, o.opts.ThumbQuality)
		if err != nil {
			return err
		}
		d.Thumbnail, d.ThumbWidth, d.ThumbHeight = thumbName, w, h
		d.ThumbnailSize = fileSize(filepath.Join(dir, thumbName))
		return nil
	})

	if _, ok := recompressor(d.Format, o.opts.JPEGQuality); ok {
		o.run(&d, logger, StepRecompress, func() error {
			replaced, err := Recompress(src, d.Format, path, d.OriginalSize, o.opts.JPEGQuality)
			if err != nil {
				return err
			}
			d.Recompressed = replaced
			if replaced {
				d.OptimizedSize = fileSize(path)
			}
			return nil
		})
	} else {
		logger.Debug("recompression not supported for format", "format", d.Format)
	}

	webpName := WebPName(name)
	if webpName == name {
		// A WebP original already is the modern-format artifact; re-encoding
		// it would overwrite the upload with a lossy copy of itself.
		d.WebP, d.WebPSize = name, d.OptimizedSize
	} else {
		o.run(&d, logger, StepWebP, func() error {
			if err := EncodeWebP(src, filepath.Join(dir, webpName), o.opts.WebPQuality, o.opts.WebPMethod); err != nil {
				return err
			}
			d.WebP = webpName
			d.WebPSize = fileSize(filepath.Join(dir, webpName))
			return nil
		})
	}

	logger.Info("image optimized",
		"original_bytes", d.OriginalSize,
		"optimized_bytes", d.OptimizedSize,
		"thumbnail_bytes", d.ThumbnailSize,
		"webp_bytes", d.WebPSize,
		"savings_pct", savings(d.OriginalSize, d.OptimizedSize),
		"failed_steps", len(d.Errors),
	)
	return d
}

// run executes one step, times it and records a failure. It reports
// whether the step succeeded.
func (o *Optimizer) run(d *Derivatives, logger *slog.Logger, step Step, fn func() error) bool {
	start := time.Now()
	err := fn()
	if o.observer != nil {
		o.observer.ObserveStep(string(step), time.Since(start), err)
	}
	if err != nil {
		d.Errors = append(d.Errors, &StepError{Step: step, Err: err})
		logger.Warn("derivative step failed", "step", step, "err", err)
		return false
	}
	return true
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func savings(before, after int64) string {
	if before <= 0 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", float64(before-after)/float64(before)*100)
}
