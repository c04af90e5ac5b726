// Package storage holds uploaded inputs and finished results between the
// HTTP request that accepts a job and the worker that runs it.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a key that does not exist or expired.
var ErrNotFound = errors.New("blob not found")

// Blobs is a flat key/value store for document bytes.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// InputKey and ResultKey name the blobs of a job.
func InputKey(jobID string, n int) string {
	if n == 0 {
		return "jobs/" + jobID + "/input.pdf"
	}
	return "jobs/" + jobID + "/input-2.pdf"
}

func ResultKey(jobID string) string { return "jobs/" + jobID + "/result" }
