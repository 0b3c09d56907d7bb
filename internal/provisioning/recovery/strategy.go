package recovery

import (
	"context"
	"math"
	"time"
)

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

// DefaultBackoff returns defaults for in-place message retries.
// 200ms, 400ms, 800ms (Max 5s)
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = Classify
	}
	return &ExponentialBackoff{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  3,
		Classifier:   classifier,
	}
}

// PublishBackoff returns defaults for publishing verification events.
// 1s, 2s, 4s, 8s, 16s (Max 30s)
func PublishBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
		Classifier: func(err error) FailureCategory {
			return CategoryTransient
		},
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if error is transient and max attempts not exceeded.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}

	category := s.Classifier(err)
	return category == CategoryTransient
}

// Retry runs fn until it succeeds, the strategy gives up or ctx is done.
// It returns the number of attempts made and the last error.
func Retry(ctx context.Context, s RetryStrategy, fn func(ctx context.Context) error) (int, error) {
	attempt := 0
	for {
		err := fn(ctx)
		attempt++
		if err == nil {
			return attempt, nil
		}
		if !s.ShouldRetry(err, attempt) {
			return attempt, err
		}

		timer := time.NewTimer(s.GetDelay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}
