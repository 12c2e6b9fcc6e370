// internal/process/outcome.go
package process

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/maisoncolyne/photo-optimizer/internal/img"
	"github.com/maisoncolyne/photo-optimizer/pkg/schema"
)

// Outcome is the per-file result of one upload request. It is built fresh
// for every request and never persisted. Thumbnail and WebP are nil when the
// artifact was not produced.
type Outcome struct {
	Original      string               `json:"original"`
	Thumbnail     *string              `json:"thumbnail"`
	WebP          *string              `json:"webp"`
	OriginalSize  int64                `json:"originalSize"`
	OptimizedSize int64                `json:"optimizedSize,omitempty"`
	ThumbnailSize int64                `json:"thumbnailSize,omitempty"`
	WebPSize      int64                `json:"webpSize,omitempty"`
	Status        schema.OutcomeStatus `json:"status"`
	FailedSteps   []string             `json:"failedSteps,omitempty"`
	Error         string               `json:"error,omitempty"`

	failureType schema.FailureType
}

// NewOutcome maps the derivatives produced for original into an Outcome.
//
// Status is success when every step ran cleanly, failure when neither a
// thumbnail nor a WebP copy exists, and partial otherwise.
func NewOutcome(original string, d img.Derivatives) Outcome {
	o := Outcome{
		Original:      original,
		OriginalSize:  d.OriginalSize,
		OptimizedSize: d.OptimizedSize,
		ThumbnailSize: d.ThumbnailSize,
		WebPSize:      d.WebPSize,
		Status:        schema.OutcomeSuccess,
	}
	if d.Thumbnail != "" {
		o.Thumbnail = &d.Thumbnail
	}
	if d.WebP != "" {
		o.WebP = &d.WebP
	}

	if len(d.Errors) == 0 {
		return o
	}

	msgs := make([]string, 0, len(d.Errors))
	for _, e := range d.Errors {
		o.FailedSteps = append(o.FailedSteps, string(e.Step))
		msgs = append(msgs, e.Error())
	}
	o.Error = strings.Join(msgs, "; ")
	o.failureType = classify(d.Errors)

	if o.Thumbnail == nil && o.WebP == nil {
		o.Status = schema.OutcomeFailure
	} else {
		o.Status = schema.OutcomePartial
	}
	return o
}

// SkippedOutcome is the record for an original that was stored but not run
// through the optimizer.
func SkippedOutcome(original string, size int64) Outcome {
	return Outcome{
		Original:     original,
		OriginalSize: size,
		Status:       schema.OutcomeSkipped,
	}
}

func failedOutcome(original string, size int64, msg string) Outcome {
	return Outcome{
		Original:     original,
		OriginalSize: size,
		Status:       schema.OutcomeFailure,
		Error:        msg,
		failureType:  schema.FailureTypeEncode,
	}
}

// BytesSaved is how much smaller the optimized original is than the upload.
func (o Outcome) BytesSaved() int64 {
	if o.OptimizedSize == 0 || o.OptimizedSize > o.OriginalSize {
		return 0
	}
	return o.OriginalSize - o.OptimizedSize
}

// Result converts the outcome into its event representation.
func (o Outcome) Result() schema.FileResult {
	r := schema.FileResult{
		Original:      o.Original,
		Status:        o.Status,
		OriginalSize:  o.OriginalSize,
		OptimizedSize: o.OptimizedSize,
		ThumbnailSize: o.ThumbnailSize,
		WebPSize:      o.WebPSize,
		FailedSteps:   o.FailedSteps,
		Error:         o.Error,
		FailureType:   o.failureType,
	}
	if o.Thumbnail != nil {
		r.Thumbnail = *o.Thumbnail
	}
	if o.WebP != nil {
		r.WebP = *o.WebP
	}
	return r
}

// classify picks a failure type from the first step error: unreadable or
// undecodable input, filesystem trouble, or an encoder failure.
func classify(errs []*img.StepError) schema.FailureType {
	if len(errs) == 0 {
		return ""
	}
	first := errs[0]
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	switch {
	case first.Step == img.StepDecode:
		return schema.FailureTypeDecode
	case errors.As(first.Err, &pathErr), errors.As(first.Err, &linkErr):
		return schema.FailureTypeStorage
	default:
		return schema.FailureTypeEncode
	}
}
