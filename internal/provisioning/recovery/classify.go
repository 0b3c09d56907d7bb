package recovery

import (
	"errors"

	"github.com/vietddude/walletd/internal/core/domain"
)

// FailureCategory decides what the consumer does with a message whose handling failed.
type FailureCategory int

const (
	// CategoryTransient failures leave the message unacknowledged for redelivery.
	CategoryTransient FailureCategory = iota
	// CategoryPermanent failures are dead-lettered and acknowledged.
	CategoryPermanent
	// CategoryConflict is a duplicate-key on persist; the existing record wins.
	CategoryConflict
	// CategorySkip is an expected no-op such as a lost claim race.
	CategorySkip
)

func (c FailureCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryConflict:
		return "conflict"
	case CategorySkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Classifier maps an error to a FailureCategory.
type Classifier func(err error) FailureCategory

// Classify is the default classifier for the provisioning pipeline.
// Anything it does not recognise is transient.
func Classify(err error) FailureCategory {
	switch {
	case err == nil:
		return CategorySkip
	case errors.Is(err, domain.ErrUnsupportedNetwork),
		errors.Is(err, domain.ErrDerivationFailed),
		errors.Is(err, domain.ErrMalformedEvent):
		return CategoryPermanent
	case errors.Is(err, domain.ErrDuplicateKey):
		return CategoryConflict
	default:
		return CategoryTransient
	}
}
