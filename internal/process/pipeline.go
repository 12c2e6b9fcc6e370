// internal/process/pipeline.go
package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maisoncolyne/photo-optimizer/internal/img"
	"github.com/maisoncolyne/photo-optimizer/internal/upload"
	"github.com/maisoncolyne/photo-optimizer/pkg/schema"
)

// Optimizer generates the derivatives of one stored original.
type Optimizer interface {
	Optimize(path string) img.Derivatives
}

// Publisher sends an event on a subject. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Observer is told the status of every settled file.
type Observer interface {
	ObserveOutcome(status string, bytesSaved int64)
}

// Options configures a Pipeline.
type Options struct {
	// Enabled false stores uploads without generating derivatives.
	Enabled     bool
	// Concurrency caps the files optimized at once; 0 runs all of them.
	Concurrency int

	Publisher Publisher
	Subject   string
	Observer  Observer
}

// Pipeline fans derivative generation out across the files of one request.
type Pipeline struct {
	optimizer Optimizer
	opts      Options
	logger    *slog.Logger
}

// NewPipeline returns a Pipeline running optimizer for every file.
func NewPipeline(optimizer Optimizer, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{optimizer: optimizer, opts: opts, logger: logger}
}

// Process optimizes every descriptor concurrently and returns one Outcome
// per descriptor, in input order, once all of them have settled. It never
// fails: a file whose optimization breaks gets an Outcome carrying the
// error, and the other files are unaffected. Empty input returns an empty
// slice immediately.
func (p *Pipeline) Process(ctx context.Context, files []upload.Descriptor) []Outcome {
	outcomes := make([]Outcome, len(files))
	if len(files) == 0 {
		return outcomes
	}

	if !p.opts.Enabled || p.optimizer == nil {
		for i, f := range files {
			outcomes[i] = SkippedOutcome(f.StoredName, f.Size)
		}
		return outcomes
	}

	start := time.Now()
	p.logger.InfoContext(ctx, "optimizing uploads", "count", len(files))

	var g errgroup.Group
	if p.opts.Concurrency > 0 {
		g.SetLimit(p.opts.Concurrency)
	}
	for i, f := range files {
		g.Go(func() error {
			outcomes[i] = p.processOne(f)
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	failed := 0
	for _, o := range outcomes {
		if o.Status != schema.OutcomeSuccess {
			failed++
		}
		if p.opts.Observer != nil {
			p.opts.Observer.ObserveOutcome(string(o.Status), o.BytesSaved())
		}
	}
	p.logger.InfoContext(ctx, "uploads optimized", "count", len(files), "not_clean", failed, "duration_ms", elapsed.Milliseconds())

	p.publish(ctx, outcomes, failed, elapsed)
	return outcomes
}

// processOne optimizes a single file. A panic inside the codecs is turned
// into a failed Outcome for that file only.
func (p *Pipeline) processOne(f upload.Descriptor) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("optimizer panicked", "file", f.StoredName, "step", "optimize", "panic", r)
			out = failedOutcome(f.StoredName, f.Size, fmt.Sprintf("optimize: panic: %v", r))
		}
	}()

	d := p.optimizer.Optimize(f.Path)
	out = NewOutcome(f.StoredName, d)
	if out.Status != schema.OutcomeSuccess {
		p.logger.Warn("upload kept without full optimization",
			"file", f.StoredName,
			"original_name", f.OriginalName,
			"status", out.Status,
			"failed_steps", out.FailedSteps,
			"err", out.Error,
		)
	}
	return out
}

func (p *Pipeline) publish(ctx context.Context, outcomes []Outcome, failed int, elapsed time.Duration) {
	if p.opts.Publisher == nil || p.opts.Subject == "" {
		return
	}

	event := schema.UploadOptimized{
		ID:               uuid.NewString(),
		TotalProcessed:   len(outcomes),
		TotalFailed:      failed,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Files:            make([]schema.FileResult, len(outcomes)),
		HappenedAt:       time.Now().Unix(),
	}
	for i, o := range outcomes {
		event.Files[i] = o.Result()
		event.BytesSaved += o.BytesSaved()
	}

	if err := p.opts.Publisher.PublishJSON(p.opts.Subject, event); err != nil {
		p.logger.WarnContext(ctx, "publish optimization event failed", "subject", p.opts.Subject, "id", event.ID, "err", err)
	}
}
