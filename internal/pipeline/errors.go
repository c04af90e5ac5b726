package pipeline

import (
	"errors"

	"github.com/local/pdftools/internal/codec"
	"github.com/local/pdftools/internal/pagerange"
	"github.com/local/pdftools/internal/rebuild"
)

var (
	// ErrInvalidDocument means the input is not a PDF or could not be parsed.
	ErrInvalidDocument = errors.New("invalid PDF file")
	// ErrInvalidRange means a split expression selected no page of the document.
	ErrInvalidRange = errors.New("invalid page range")
	// ErrProtected means the input needs a password before it can be transformed.
	ErrProtected = errors.New("PDF is password protected")
	// ErrPasswordRequired means Protect or Unprotect was called without a password.
	ErrPasswordRequired = errors.New("password required")
	// ErrWrongPassword means Unprotect was given a password that does not open the file.
	ErrWrongPassword = errors.New("wrong password")
	// ErrCodecFailure covers render, encode, copy and assembly failures.
	ErrCodecFailure = errors.New("document processing failed")
	// ErrCancelled is a terminal outcome, not a failure.
	ErrCancelled = rebuild.ErrCancelled
)

// Reason labels an operation error for metrics, job status and API responses.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrInvalidRange), errors.Is(err, pagerange.ErrEmpty):
		return "invalid_range"
	case errors.Is(err, ErrWrongPassword), errors.Is(err, codec.ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, ErrPasswordRequired):
		return "password_required"
	case errors.Is(err, ErrProtected), errors.Is(err, codec.ErrEncrypted):
		return "protected"
	case errors.Is(err, ErrInvalidDocument), errors.Is(err, codec.ErrLoad):
		return "invalid_file"
	case errors.Is(err, ErrCodecFailure):
		return "codec_failure"
	default:
		return "internal"
	}
}

// IsInputError reports whether err was caused by what the caller sent.
func IsInputError(err error) bool {
	switch Reason(err) {
	case "invalid_file", "invalid_range", "wrong_password", "password_required", "protected":
		return true
	}
	return false
}
