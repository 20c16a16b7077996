// Package storage moves finished audiobooks into their destination, either a
// local library directory or an S3 bucket.
package storage

import (
	"context"
	"errors"
)

// Static errors for storage operations.
var (
	// ErrS3NotConfigured is returned when S3 settings are incomplete.
	ErrS3NotConfigured = errors.New("storage: s3 not configured")
	// ErrNotFound is returned when a stored artifact does not exist.
	ErrNotFound = errors.New("storage: artifact not found")
)

// Storage archives finished audiobooks under a key and returns a location
// callers can hand out.
type Storage interface {
	// Upload copies a local file into storage under key and returns its
	// resulting location.
	Upload(ctx context.Context, localPath, key string) (string, error)
}
