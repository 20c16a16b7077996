// Package job holds the conversion job aggregate and the service that runs
// jobs through the pipeline.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/tigger04/make-audiobook/internal/pipeline"
)

// Status represents the lifecycle state of a conversion job.
type Status string

// Job lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Static errors for job operations.
var (
	// ErrInvalidTransition is returned when a status change violates the
	// job lifecycle.
	ErrInvalidTransition = errors.New("job: invalid status transition")
	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = errors.New("job: not found")
	// ErrNotCancellable is returned when cancelling a finished job.
	ErrNotCancellable = errors.New("job: not cancellable")
)

// LengthScale bounds. Values outside the range are clamped, not rejected.
const (
	MinLengthScale = 0.5
	MaxLengthScale = 4.0
)

// validTransitions defines the allowed status changes. Terminal states have
// no outgoing transitions.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// Job is a single document conversion tracked through its lifecycle.
type Job struct {
	ID          string
	InputPath   string
	OutputPath  string
	VoiceKey    string
	LengthScale float64
	Author      string
	Title       string
	Status      Status
	Error       string
	LogTail     []string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// NewJob creates a pending job for an input document. The output path is the
// input's sibling with the audio extension, and the length scale is clamped
// to the supported range.
func NewJob(id, inputPath, voiceKey string, lengthScale float64) *Job {
	return &Job{
		ID:          id,
		InputPath:   inputPath,
		OutputPath:  pipeline.OutputPath(inputPath),
		VoiceKey:    voiceKey,
		LengthScale: ClampLengthScale(lengthScale),
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// ClampLengthScale forces a length scale into the supported range. Zero
// means unset and maps to the synthesis default.
func ClampLengthScale(scale float64) float64 {
	if scale == 0 {
		return pipeline.DefaultLengthScale
	}
	if scale < MinLengthScale {
		return MinLengthScale
	}
	if scale > MaxLengthScale {
		return MaxLengthScale
	}
	return scale
}

// TransitionTo moves the job to a new status, enforcing the lifecycle.
func (j *Job) TransitionTo(status Status) error {
	for _, allowed := range validTransitions[j.Status] {
		if allowed == status {
			now := time.Now().UTC()
			switch status {
			case StatusRunning:
				j.StartedAt = now
			case StatusSucceeded, StatusFailed, StatusCancelled:
				j.FinishedAt = now
			}
			j.Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
}

// IsTerminal reports whether the job has finished.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Clone returns a deep copy safe to hand out across goroutines.
func (j *Job) Clone() *Job {
	clone := *j
	if j.LogTail != nil {
		clone.LogTail = make([]string, len(j.LogTail))
		copy(clone.LogTail, j.LogTail)
	}
	return &clone
}
