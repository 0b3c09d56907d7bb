package domain

import "time"

// PublishStatus tracks whether a decision's event reached the broker.
type PublishStatus string

const (
	PublishStatusPending   PublishStatus = "pending"
	PublishStatusPublished PublishStatus = "published"
	PublishStatusFailed    PublishStatus = "publish_failed"
)

// VerificationDecision is a finalized verification outcome on the verification side.
// EventID is assigned when the decision is stored and reused by every publish attempt.
type VerificationDecision struct {
	ID              string        `db:"id"`
	EventID         string        `db:"event_id"`
	UserID          string        `db:"user_id"`
	Network         Network       `db:"network"`
	Outcome         Outcome       `db:"outcome"`
	DecidedAt       time.Time     `db:"decided_at"`
	PublishStatus   PublishStatus `db:"publish_status"`
	PublishAttempts int           `db:"publish_attempts"`
	LastError       string        `db:"last_error"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

// Event builds the VerificationEvent for this decision.
func (d *VerificationDecision) Event() *VerificationEvent {
	return &VerificationEvent{
		EventID:    d.EventID,
		UserID:     d.UserID,
		Network:    d.Network,
		VerifiedAt: d.DecidedAt,
		Outcome:    d.Outcome,
	}
}
