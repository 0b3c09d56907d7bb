package domain

import "errors"

var (
	// ErrUnsupportedNetwork is returned when a network has no derivation scheme.
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// ErrDerivationFailed wraps a failure inside the key derivation or encryption code.
	ErrDerivationFailed = errors.New("derivation failed")

	// ErrDuplicateKey is returned when a wallet already exists for (user_id, network).
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformedEvent is returned for payloads that do not match the event schema.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrLimiterTimeout is returned when no generation permit became free in time.
	ErrLimiterTimeout = errors.New("generation limiter timeout")

	// ErrLimiterClosed is returned once the limiter has been drained for shutdown.
	ErrLimiterClosed = errors.New("generation limiter closed")

	// ErrPublishFailed is returned when an event could not be published after all attempts.
	ErrPublishFailed = errors.New("publish failed")
)

// Failure reasons carried on dead-lettered events.
const (
	FailureUnsupportedNetwork = "UnsupportedNetwork"
	FailureDerivationFailed   = "DerivationFailed"
	FailureMalformedEvent     = "MalformedEvent"
	FailureUnknown            = "Unknown"
)

// FailureReason maps a permanent error to the reason string written to the dead-letter channel.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedNetwork):
		return FailureUnsupportedNetwork
	case errors.Is(err, ErrDerivationFailed):
		return FailureDerivationFailed
	case errors.Is(err, ErrMalformedEvent):
		return FailureMalformedEvent
	default:
		return FailureUnknown
	}
}
