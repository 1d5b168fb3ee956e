package compaction

import (
	"errors"
	"fmt"
)

// Sentinel errors for compaction operations.
var (
	// ErrInvalidConfig indicates invalid compaction configuration.
	ErrInvalidConfig = errors.New("invalid compaction configuration")

	// ErrMissingContextWindow indicates compaction is enabled but a selectable
	// model does not declare a positive context window.
	ErrMissingContextWindow = fmt.Errorf("%w: model is missing a positive context window", ErrInvalidConfig)

	// ErrNoMessagesToCompact indicates there are no messages to compact.
	ErrNoMessagesToCompact = errors.New("no messages to compact")

	// ErrModelNotConfigured indicates no summarization model is available.
	ErrModelNotConfigured = errors.New("compression model not configured")

	// ErrSummarizationFailed indicates the summarization call failed.
	ErrSummarizationFailed = errors.New("summarization failed")

	// ErrInvalidSummary indicates the summarizer returned output that does not
	// match the expected schema.
	ErrInvalidSummary = errors.New("invalid summarizer output")

	// ErrPinLimitReached indicates the pinned message limit is exhausted.
	ErrPinLimitReached = errors.New("pinned message limit reached")

	// ErrArtifactNotFound indicates the artifact was not found.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrStorageError indicates a thread store operation failed.
	ErrStorageError = errors.New("storage operation failed")
)

// CompactionError provides structured error context for compaction operations.
type CompactionError struct {
	// Op is the operation that failed (e.g., "Summarize", "Hydrate", "Persist")
	Op string

	// ThreadID is the thread ID if applicable
	ThreadID string

	// Err is the underlying error
	Err error

	// Context holds additional key-value pairs for debugging
	Context map[string]any
}

// Error returns a formatted error message.
func (e *CompactionError) Error() string {
	msg := fmt.Sprintf("compaction %s failed", e.Op)
	if e.ThreadID != "" {
		msg += fmt.Sprintf(" for thread %s", e.ThreadID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *CompactionError) Unwrap() error {
	return e.Err
}

// NewCompactionError creates a new CompactionError with the given operation and underlying error.
func NewCompactionError(op string, err error) *CompactionError {
	return &CompactionError{
		Op:      op,
		Err:     err,
		Context: make(map[string]any),
	}
}

// WithThread sets the thread ID on the error and returns the error for chaining.
func (e *CompactionError) WithThread(threadID string) *CompactionError {
	e.ThreadID = threadID
	return e
}

// WithContext adds a key-value pair to the error context and returns the error for chaining.
func (e *CompactionError) WithContext(key string, value any) *CompactionError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WrapError wraps an error with operation context. If err is nil, returns nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewCompactionError(op, err)
}

// WrapErrorWithThread wraps an error with operation and thread context.
func WrapErrorWithThread(op, threadID string, err error) error {
	if err == nil {
		return nil
	}
	return NewCompactionError(op, err).WithThread(threadID)
}
