// Package verification finalizes verification decisions and publishes them as
// user.verified events, at least once.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/infra/storage"
	"github.com/vietddude/walletd/internal/provisioning/metrics"
	"github.com/vietddude/walletd/internal/provisioning/recovery"
)

var tracer = otel.Tracer("github.com/vietddude/walletd/internal/verification")

const defaultReconcileLimit = 100

// DefaultPendingGrace is how long a pending decision may wait for its first
// publish before Reconcile treats it as interrupted.
const DefaultPendingGrace = 2 * time.Minute

// Publisher publishes verification events keyed by user id.
type Publisher interface {
	PublishVerification(ctx context.Context, evt *domain.VerificationEvent) error
}

// Service owns the decision ledger on the verification side.
type Service struct {
	repo      storage.DecisionRepository
	publisher Publisher
	strategy  recovery.RetryStrategy
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	pendingGrace time.Duration
}

// NewService creates a verification service. A nil strategy uses recovery.PublishBackoff.
func NewService(
	repo storage.DecisionRepository,
	publisher Publisher,
	strategy recovery.RetryStrategy,
	logger *slog.Logger,
) *Service {
	if strategy == nil {
		strategy = recovery.PublishBackoff()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		strategy:  strategy,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },

		pendingGrace: DefaultPendingGrace,
	}
}

// Finalize records a decision and publishes its event. The decision, with its
// event id, is stored before the first publish attempt so every retry and any
// later reconciliation reuse the same id.
//
// An approval for a (user, network) whose latest decision is already approved
// returns that decision. Nothing is published unless the earlier event never
// reached the broker, in which case it is republished with its own event id.
//
// If publishing fails after all attempts the decision is kept as publish_failed
// and returned together with an error wrapping domain.ErrPublishFailed.
func (s *Service) Finalize(
	ctx context.Context,
	userID string,
	network string,
	outcome domain.Outcome,
) (*domain.VerificationDecision, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	n, err := domain.ParseNetwork(network)
	if err != nil {
		return nil, err
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("unknown outcome %q", outcome)
	}

	if outcome == domain.OutcomeApproved {
		latest, err := s.repo.GetLatest(ctx, userID, n)
		switch {
		case err == nil && latest.Outcome == domain.OutcomeApproved:
			if latest.PublishStatus == domain.PublishStatusPublished {
				s.logger.Info("User already approved for network, no new event",
					"user_id", userID,
					"network", n,
					"decision_id", latest.ID,
				)
				return latest, nil
			}
			s.logger.Warn("Existing approval was never delivered, republishing",
				"user_id", userID,
				"network", n,
				"decision_id", latest.ID,
				"event_id", latest.EventID,
				"publish_status", latest.PublishStatus,
			)
			return latest, s.publish(ctx, latest)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("load latest decision: %w", err)
		}
	}

	now := s.now().UTC()
	d := &domain.VerificationDecision{
		ID:            s.newID(),
		EventID:       s.newID(),
		UserID:        userID,
		Network:       n,
		Outcome:       outcome,
		DecidedAt:     now,
		PublishStatus: domain.PublishStatusPending,
		UpdatedAt:     now,
	}
	if err := s.repo.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("save decision: %w", err)
	}

	s.logger.Info("Verification decision finalized",
		"decision_id", d.ID,
		"event_id", d.EventID,
		"user_id", userID,
		"network", n,
		"outcome", outcome,
	)

	if err := s.publish(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// Reconcile republishes publish_failed decisions, and pending decisions untouched
// for longer than the pending grace period, with their original event ids.
// It returns the number of decisions that were published.
func (s *Service) Reconcile(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	candidates, err := s.repo.ListByStatus(ctx, domain.PublishStatusFailed, limit)
	if err != nil {
		return 0, fmt.Errorf("list failed decisions: %w", err)
	}

	if remaining := limit - len(candidates); remaining > 0 {
		stuck, err := s.stuckPending(ctx, remaining)
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, stuck...)
	}

	published := 0
	var errs []error
	for _, d := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.publish(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("decision %s: %w", d.ID, err))
			continue
		}
		published++
	}

	s.logger.Info("Reconciliation finished",
		"candidates", len(candidates),
		"published", published,
	)
	s.refreshFailedGauge(ctx)
	return published, errors.Join(errs...)
}

// stuckPending returns pending decisions whose publish was interrupted: the
// process died between saving and publishing, or the final status update failed.
func (s *Service) stuckPending(ctx context.Context, limit int) ([]*domain.VerificationDecision, error) {
	pending, err := s.repo.ListByStatus(ctx, domain.PublishStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	cutoff := s.now().Add(-s.pendingGrace)
	stuck := pending[:0]
	for _, d := range pending {
		if !d.UpdatedAt.After(cutoff) {
			stuck = append(stuck, d)
		}
	}
	return stuck, nil
}

// publish sends the decision's event with bounded exponential backoff and
// records the result on the decision.
func (s *Service) publish(ctx context.Context, d *domain.VerificationDecision) error {
	ctx, span := tracer.Start(ctx, "verification.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", d.EventID),
		attribute.String("outcome", string(d.Outcome)),
	)

	evt := d.Event()
	attempts, err := recovery.Retry(ctx, s.strategy, func(ctx context.Context) error {
		return s.publisher.PublishVerification(ctx, evt)
	})
	total := d.PublishAttempts + attempts

	// The outcome must be recorded even if the caller has gone away.
	storeCtx := context.WithoutCancel(ctx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if uerr := s.repo.UpdatePublishStatus(storeCtx, d.ID, domain.PublishStatusFailed, total, err.Error()); uerr != nil {
			s.logger.Error("Failed to mark decision publish_failed",
				"decision_id", d.ID,
				"error", uerr,
			)
		}
		d.PublishStatus = domain.PublishStatusFailed
		d.PublishAttempts = total
		d.LastError = err.Error()
		metrics.DecisionsPublishFailed.Inc()
		s.logger.Error("Verification event not published, needs reconciliation",
			"decision_id", d.ID,
			"event_id", d.EventID,
			"user_id", d.UserID,
			"attempts", total,
			"error", err,
		)
		return fmt.Errorf("%w: event %s after %d attempts: %v", domain.ErrPublishFailed, d.EventID, total, err)
	}

	if err := s.repo.UpdatePublishStatus(storeCtx, d.ID, domain.PublishStatusPublished, total, ""); err != nil {
		// Already on the broker; a stale status only makes Reconcile republish the same event id.
		s.logger.Warn("Failed to mark decision published",
			"decision_id", d.ID,
			"error", err,
		)
	}
	d.PublishStatus = domain.PublishStatusPublished
	d.PublishAttempts = total
	d.LastError = ""

	s.logger.Info("Verification event published",
		"event_id", d.EventID,
		"user_id", d.UserID,
		"network", d.Network,
		"attempts", attempts,
	)
	return nil
}

func (s *Service) refreshFailedGauge(ctx context.Context) {
	n, err := s.repo.CountByStatus(ctx, domain.PublishStatusFailed)
	if err != nil {
		return
	}
	metrics.DecisionsPublishFailed.Set(float64(n))
}
