package model

import "errors"

// ProviderError wraps a transport-level failure with the HTTP status code
// the provider returned, when known. The Agent Loop's error path (spec.md
// §7 kind 4) rethrows on StatusCode == 402 (payment required) instead of
// converting the failure into an error output.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Provider + ": provider error"
	}
	return e.Provider + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StatusCodeOf extracts the HTTP status code from err when it is, or wraps, a
// *ProviderError. Returns 0 when no status is known.
func StatusCodeOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

// IsPaymentRequired reports whether err represents an HTTP 402 response.
func IsPaymentRequired(err error) bool {
	return StatusCodeOf(err) == 402
}
