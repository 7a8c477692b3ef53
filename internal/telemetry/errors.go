package telemetry

import "codeberg.org/mutker/evtrack/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig  = errors.ErrorCode("telemetry_invalid_config")
	ErrInvalidBaseURL = errors.ErrorCode("telemetry_invalid_base_url")

	// Upstream Errors
	ErrServerError  = errors.ErrUpstreamServer
	ErrAuthRejected = errors.ErrUpstreamAuth
	ErrNetwork      = errors.ErrUpstreamNetwork
	ErrMalformed    = errors.ErrUpstreamMalformed
)

// Kind classifies an upstream failure. Errors without a known upstream code
// are reported as ErrNetwork so callers apply the default backoff.
func Kind(err error) errors.ErrorCode {
	switch code := errors.CodeOf(err); code {
	case ErrServerError, ErrAuthRejected, ErrNetwork, ErrMalformed, errors.ErrCircuitOpen:
		return code
	default:
		for _, c := range []errors.ErrorCode{ErrServerError, ErrAuthRejected, ErrMalformed, errors.ErrCircuitOpen} {
			if errors.HasCode(err, c) {
				return c
			}
		}
		return ErrNetwork
	}
}
