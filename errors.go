package chatcompact

import (
	"errors"

	"github.com/youssefsiam38/chatcompact/compaction"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the configuration is invalid
	ErrInvalidConfig = compaction.ErrInvalidConfig

	// ErrStorageError is returned when the thread store cannot be opened
	ErrStorageError = compaction.ErrStorageError

	// =========================================================================
	// Client errors
	// =========================================================================

	// ErrClientNotStarted is returned when calling Stop before Start
	ErrClientNotStarted = errors.New("client not started")

	// ErrClientAlreadyStarted is returned when Start is called twice
	ErrClientAlreadyStarted = errors.New("client already started")

	// ErrClientClosed is returned when using a client after Close
	ErrClientClosed = errors.New("client closed")
)
