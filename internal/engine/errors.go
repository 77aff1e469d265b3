package engine

import "errors"

var (
	// ErrConflict is returned when a concurrent advance is already in
	// flight for the conversation. Callers decide whether to retry; the
	// engine never retries on its own.
	ErrConflict = errors.New("another request is already being processed for this conversation")

	// ErrInvalidPayload is returned when a resumption payload does not
	// match the interaction kind it targets.
	ErrInvalidPayload = errors.New("resumption payload does not match the interaction kind")
)
