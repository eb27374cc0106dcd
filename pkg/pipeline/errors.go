// Package pipeline implements the asynchronous OCR processing pipeline:
// upload admission, the leased task queue and worker pool, status reads and
// manual validation of extracted fields.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced to callers.
const (
	KindUnsupportedFormat = "UnsupportedFormat"
	KindPayloadTooLarge   = "PayloadTooLarge"
	KindQuotaExceeded     = "QuotaExceeded"
	KindNotFound          = "NotFound"
	KindForbidden         = "Forbidden"
	KindValidation        = "ValidationError"
	KindConflict          = "Conflict"
	KindInternal          = "Internal"
)

// Error is the structured error the pipeline returns for caller mistakes.
// Processing-time failures are never returned through this type; they are
// recorded on the task and surfaced via status (lastError).
type Error struct {
	Kind       string
	Message    string
	RetryAfter int               // seconds, quota errors only
	Fields     map[string]string // field name -> message, validation errors only
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus maps the kind to its transport status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a pipeline *Error, if err carries one.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Store-level sentinels.
var (
	ErrNotFound  = errors.New("not found")
	ErrLeaseLost = errors.New("lease lost")
	ErrConflict  = errors.New("conflicting active task")
)
