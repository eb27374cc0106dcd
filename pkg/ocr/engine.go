package ocr

import (
	"context"
	"fmt"
	"image"
)

// Token is one recognized word with its engine confidence (0..100) and
// bounding box in image coordinates.
type Token struct {
	Text string
	Conf int
	Box  image.Rectangle
}

// Recognition is the raw output of one engine run over a document image.
type Recognition struct {
	Engine string
	Text   string // full recognized text, newlines preserved
	Tokens []Token
}

// Engine abstracts a concrete recognition backend. Recognize must honour ctx
// cancellation; it is the only long-running call in the pipeline besides blob
// I/O.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img []byte) (*Recognition, error)
}

// EngineError classifies recognition failures so the worker can decide
// between retry-with-backoff (transient) and failing the task outright.
type EngineError struct {
	Transient bool
	Err       error
}

func (e *EngineError) Error() string {
	if e.Transient {
		return fmt.Sprintf("engine failure (transient): %v", e.Err)
	}
	return fmt.Sprintf("engine failure (permanent): %v", e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable engine failure.
func Transient(err error) error { return &EngineError{Transient: true, Err: err} }

// Permanent wraps err as a non-retryable engine failure.
func Permanent(err error) error { return &EngineError{Transient: false, Err: err} }
