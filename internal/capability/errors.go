package capability

import (
	"errors"
	"fmt"
)

// ProviderError is a remote failure from the capability provider.
type ProviderError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("capability provider error %d: %s", e.StatusCode, e.Message)
}

func IsRateLimitError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == 429
	}
	return false
}

func IsAuthError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == 401 || pe.StatusCode == 403
	}
	return false
}

func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable || pe.StatusCode == 429 || pe.StatusCode == 500 || pe.StatusCode == 503
	}
	return false
}
