package domain

import "time"

// ClaimResult is the outcome of an idempotency claim.
type ClaimResult int

const (
	// ClaimClaimed means this caller owns the event and must perform the side effect.
	ClaimClaimed ClaimResult = iota
	// ClaimAlreadyProcessed means another delivery already claimed the event.
	ClaimAlreadyProcessed
)

func (c ClaimResult) String() string {
	if c == ClaimClaimed {
		return "claimed"
	}
	return "already_processed"
}

// IdempotencyEntry marks an event as having produced, or deliberately skipped, a side effect.
// ResultRef is empty between claim and completion.
type IdempotencyEntry struct {
	EventID     string    `db:"event_id"`
	ProcessedAt time.Time `db:"processed_at"`
	ResultRef   string    `db:"result_ref"`
}

// Completed reports whether the side effect of the claim has been recorded.
func (e *IdempotencyEntry) Completed() bool {
	return e.ResultRef != ""
}

// Result reference prefixes written on completion.
const (
	ResultRefWallet     = "wallet:"
	ResultRefDeadLetter = "dead_letter:"
)

// OutcomeRecord is the latest verification outcome observed for (user_id, network).
type OutcomeRecord struct {
	UserID     string    `db:"user_id"`
	Network    Network   `db:"network"`
	Outcome    Outcome   `db:"outcome"`
	EventID    string    `db:"event_id"`
	VerifiedAt time.Time `db:"verified_at"`
}
