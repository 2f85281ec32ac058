package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in spec §7. Components return these
// directly, or wrapped in *OpError for call-site context; callers should
// match with errors.Is.
var (
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrVectorUnavailable     = errors.New("vector store unavailable")
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	ErrEmbedderUnavailable   = errors.New("embedder unavailable")
	ErrSummarizerUnavailable = errors.New("summarizer unavailable")
	ErrInvalidInput          = errors.New("invalid input")
	ErrConflict              = errors.New("logical key conflict")
	ErrIncompatibleDim       = errors.New("incompatible vector dimension")
	ErrCancelled             = errors.New("cancelled")
	ErrTimeout               = errors.New("timeout")
	ErrInvalidAnalysis       = errors.New("invalid analysis")
	ErrNotFound              = errors.New("not found")
)

// OpError wraps a sentinel error with the operation and a free-form detail,
// mirroring tarsy's ValidationError/LoadError shape.
type OpError struct {
	Op     string // e.g. "rls.Append", "vms.Search"
	Detail string
	Err    error
}

// Error implements error.
func (e *OpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is/errors.As against the wrapped sentinel.
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError constructs an *OpError.
func NewOpError(op, detail string, err error) *OpError {
	return &OpError{Op: op, Detail: detail, Err: err}
}
