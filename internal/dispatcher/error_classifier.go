package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/local/pdftools/internal/pipeline"
	"github.com/local/pdftools/internal/storage"
)

// classify labels a job error for the status record and the DLQ.
func classify(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrJobCancelled) {
		return "cancelled"
	}
	// the engine reports a deadline as cancellation; the job did not ask for it
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return "invalid_job"
	}
	if errors.Is(err, storage.ErrNotFound) {
		return "input_missing"
	}
	if errors.Is(err, storage.ErrDecrypt) {
		return "storage_decrypt"
	}
	return pipeline.Reason(err)
}

// isTransientError checks if a failed job is worth another attempt
func isTransientError(err error) bool {
	if err == nil || isFatalError(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if classify(err) != "internal" {
		return false
	}

	// Network errors (connection issues, timeouts)
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "eof")
}

// isFatalError checks if error is fatal and should not be retried
func isFatalError(err error) bool {
	if err == nil {
		return false
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return true
	}
	return pipeline.IsInputError(err)
}
