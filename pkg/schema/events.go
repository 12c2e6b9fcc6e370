// pkg/schema/events.go
package schema

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomePartial OutcomeStatus = "partial"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomeSkipped OutcomeStatus = "skipped"
)

type FailureType string

const (
	FailureTypeDecode  FailureType = "decode"
	FailureTypeEncode  FailureType = "encode"
	FailureTypeStorage FailureType = "storage"
)

type FileResult struct {
	Original      string        `json:"original"`
	Thumbnail     string        `json:"thumbnail,omitempty"`
	WebP          string        `json:"webp,omitempty"`
	Status        OutcomeStatus `json:"status"`
	OriginalSize  int64         `json:"original_size"`
	OptimizedSize int64         `json:"optimized_size,omitempty"`
	ThumbnailSize int64         `json:"thumbnail_size,omitempty"`
	WebPSize      int64         `json:"webp_size,omitempty"`
	FailedSteps   []string      `json:"failed_steps,omitempty"`
	Error         string        `json:"error,omitempty"`
	FailureType   FailureType   `json:"failure_type,omitempty"`
}

// UploadOptimized is published once per upload request after every file
// has settled.
type UploadOptimized struct {
	ID               string       `json:"id"`
	TotalProcessed   int          `json:"total_processed"`
	TotalFailed      int          `json:"total_failed"`
	BytesSaved       int64        `json:"bytes_saved"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Files            []FileResult `json:"files"`
	HappenedAt       int64        `json:"happened_at"`
}
