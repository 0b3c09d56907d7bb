package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of a verification decision.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

// Topic and header names shared by producer and consumer.
const (
	TopicUserVerified   = "user.verified"
	TopicDeadLetter     = "user.verified.dlq"
	TopicWalletCreated  = "wallet.created"
	HeaderEventType     = "event_type"
	HeaderEventID       = "event_id"
	HeaderFailureReason = "failure_reason"
	HeaderAttemptCount  = "attempt_count"
)

// VerificationEvent is the immutable fact published once per verification decision.
type VerificationEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Network    Network   `json:"network"`
	VerifiedAt time.Time `json:"verified_at"`
	Outcome    Outcome   `json:"outcome"`
}

// Validate checks the schema of the event. The network is only checked for
// presence: an unknown network is a derivation failure, not a schema failure.
func (e *VerificationEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrMalformedEvent)
	}
	if e.Network == "" {
		return fmt.Errorf("%w: missing network", ErrMalformedEvent)
	}
	if !e.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrMalformedEvent, e.Outcome)
	}
	if e.VerifiedAt.IsZero() {
		return fmt.Errorf("%w: missing verified_at", ErrMalformedEvent)
	}
	return nil
}

// DeadLetter is a VerificationEvent that could not be processed, plus the reason.
// RawPayload is only set when the original message could not be decoded.
type DeadLetter struct {
	VerificationEvent
	FailureReason  string    `json:"failure_reason"`
	FailureDetail  string    `json:"failure_detail,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	RawPayload     []byte    `json:"raw_payload,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// WalletCreatedEvent is published after a new wallet has been persisted.
type WalletCreatedEvent struct {
	UserID          string    `json:"user_id"`
	Network         Network   `json:"network"`
	Address         string    `json:"address"`
	DerivationIndex uint32    `json:"derivation_index"`
	CreatedAt       time.Time `json:"created_at"`
}
