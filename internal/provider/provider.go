// Package provider defines the external generation provider contract: a
// serverless GPU API that accepts jobs, reports their status, and cancels
// them. The provider is the ground truth the reconciler repairs against.
package provider

import "context"

// Status is the provider-side state of a job.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether the status is final on the provider side.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// GenerationInput is the payload submitted for one generation job.
type GenerationInput struct {
	MediaID string `json:"media_id"`
	Prompt  string `json:"prompt"`
	Seed    int64  `json:"seed"`
	Width   int32  `json:"width"`
	Height  int32  `json:"height"`
}

// Output is the result of a completed job.
type Output struct {
	Key string `json:"key"`
}

// JobStatus is one provider status report.
type JobStatus struct {
	Status        Status  `json:"status"`
	Output        *Output `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime int64   `json:"executionTime,omitempty"` // milliseconds
}

// Client talks to the generation provider.
type Client interface {
	// Submit enqueues a generation job and returns the provider's job id.
	Submit(ctx context.Context, input GenerationInput) (string, error)

	// GetStatus returns the current status of a job.
	GetStatus(ctx context.Context, jobID string) (JobStatus, error)

	// Cancel requests cancellation of a job. Cancelling a finished job is not
	// an error.
	Cancel(ctx context.Context, jobID string) error
}
