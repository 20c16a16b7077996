// Package server provides the HTTP API for the audiobook service.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// ConvertRequest is the HTTP request body for submitting conversions.
// Multiple documents can be submitted in one batch.
type ConvertRequest struct {
	// Jobs are the documents to convert.
	Jobs []ConvertJobRequest `json:"jobs" validate:"required,min=1,dive"`
}

// ConvertJobRequest describes one document conversion.
type ConvertJobRequest struct {
	// InputPath is the document to convert.
	InputPath string `json:"input_path" validate:"required"`
	// Voice is the voice key, e.g. "en_US-ryan-high".
	Voice string `json:"voice" validate:"required"`
	// LengthScale controls speech speed; higher is slower. Optional.
	LengthScale float64 `json:"length_scale" validate:"omitempty,gte=0.5,lte=4"`
	// Author and Title become ID3 tags on the output. Optional.
	Author string `json:"author"`
	Title  string `json:"title"`
}

// ConvertResponse is the HTTP response after submitting a batch.
type ConvertResponse struct {
	// Jobs are the created jobs, in request order.
	Jobs []JobResponse `json:"jobs"`
}

// JobResponse is the HTTP representation of a conversion job.
type JobResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	Voice       string     `json:"voice"`
	LengthScale float64    `json:"length_scale"`
	Error       string     `json:"error,omitempty"`
	LogTail     []string   `json:"log_tail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// JobsResponse is the HTTP response for listing jobs.
type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// VoiceResponse is the HTTP representation of a voice.
type VoiceResponse struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Language  string `json:"language"`
	Quality   string `json:"quality"`
	SizeBytes int64  `json:"size_bytes"`
	Installed bool   `json:"installed"`
	// MissingFiles lists which files an incomplete installation lacks.
	MissingFiles []string `json:"missing_files,omitempty"`
	// Install reports an in-flight installation, if any.
	Install *InstallStatus `json:"install,omitempty"`
}

// VoicesResponse is the HTTP response for listing voices.
type VoicesResponse struct {
	Voices []VoiceResponse `json:"voices"`
	// Stale is set when the list comes from an expired catalog cache.
	Stale bool `json:"stale,omitempty"`
	// Degraded is set when the catalog was unreachable and only locally
	// installed voices are listed.
	Degraded bool `json:"degraded,omitempty"`
}

// InstallStatus reports progress of a voice installation.
type InstallStatus struct {
	// Status is one of "running", "succeeded" or "failed".
	Status     string `json:"status"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
	Error      string `json:"error,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
