// Package consumer turns verification events into provisioned wallets.
//
// Per message: decode, filter on outcome, claim the event id, wait for a
// generation permit, derive, persist, invalidate the cache, then acknowledge.
// A nil return from Handle acknowledges the message; an error leaves it for
// redelivery.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/walletd/internal/core/derivation"
	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/infra/kafka"
	"github.com/vietddude/walletd/internal/infra/storage"
	"github.com/vietddude/walletd/internal/provisioning/limiter"
	"github.com/vietddude/walletd/internal/provisioning/metrics"
	"github.com/vietddude/walletd/internal/provisioning/recovery"
)

var tracer = otel.Tracer("github.com/vietddude/walletd/internal/provisioning/consumer")

// WalletStore is the cached wallet store.
type WalletStore interface {
	Put(ctx context.Context, rec *domain.WalletRecord) error
	Get(ctx context.Context, userID string, network domain.Network) (*domain.WalletRecord, error)
}

// Deriver derives wallets.
type Deriver interface {
	Supports(network domain.Network) bool
	Derive(ctx context.Context, userID string, network domain.Network, index uint32) (*derivation.Result, error)
}

// Limiter bounds concurrent derivations.
type Limiter interface {
	Acquire(ctx context.Context) (*limiter.Permit, error)
	Release(p *limiter.Permit)
}

// Publisher publishes the consumer's outgoing events.
type Publisher interface {
	PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter, key []byte) error
	PublishWalletCreated(ctx context.Context, evt *domain.WalletCreatedEvent) error
}

// DeadLetterIndex keeps dead letters inspectable by operators.
type DeadLetterIndex interface {
	Add(ctx context.Context, dl *domain.DeadLetter) error
}

// Deps are the collaborators of a Handler. DeadLetters and Strategy are optional.
type Deps struct {
	Ledger      storage.IdempotencyLedger
	Outcomes    storage.OutcomeRepository
	Wallets     WalletStore
	Engine      Deriver
	Limiter     Limiter
	Publisher   Publisher
	DeadLetters DeadLetterIndex
	Strategy    recovery.RetryStrategy
	Logger      *slog.Logger
}

// Handler processes verification events. It is safe for concurrent use by
// one goroutine per partition.
type Handler struct {
	ledger      storage.IdempotencyLedger
	outcomes    storage.OutcomeRepository
	wallets     WalletStore
	engine      Deriver
	limiter     Limiter
	publisher   Publisher
	deadLetters DeadLetterIndex
	strategy    recovery.RetryStrategy
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string]int
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Strategy == nil {
		deps.Strategy = recovery.DefaultBackoff(recovery.Classify)
	}
	return &Handler{
		ledger:      deps.Ledger,
		outcomes:    deps.Outcomes,
		wallets:     deps.Wallets,
		engine:      deps.Engine,
		limiter:     deps.Limiter,
		publisher:   deps.Publisher,
		deadLetters: deps.DeadLetters,
		strategy:    deps.Strategy,
		logger:      deps.Logger,
		now:         time.Now,
		attempts:    make(map[string]int),
	}
}

// Handle processes one delivered message.
func (h *Handler) Handle(ctx context.Context, msg *kafka.Message) error {
	start := time.Now()
	defer func() { metrics.HandleLatency.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "consumer.Handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.topic", msg.Topic),
		attribute.Int64("messaging.partition", int64(msg.Partition)),
		attribute.Int64("messaging.offset", msg.Offset),
	)

	evt, err := decode(msg)
	if err != nil {
		span.RecordError(err)
		return h.deadLetter(ctx, msg, evt, err, 1)
	}
	span.SetAttributes(
		attribute.String("event_id", evt.EventID),
		attribute.String("network", string(evt.Network)),
		attribute.String("outcome", string(evt.Outcome)),
	)

	attempts, err := recovery.Retry(ctx, h.strategy, func(ctx context.Context) error {
		return h.process(ctx, evt)
	})
	total := h.addAttempts(evt.EventID, attempts)
	if err == nil {
		h.clearAttempts(evt.EventID)
		return nil
	}

	span.RecordError(err)
	switch recovery.Classify(err) {
	case recovery.CategoryPermanent:
		if dlErr := h.deadLetter(ctx, msg, evt, err, total); dlErr != nil {
			span.SetStatus(codes.Error, dlErr.Error())
			return dlErr
		}
		h.clearAttempts(evt.EventID)
		return nil
	default:
		span.SetStatus(codes.Error, err.Error())
		metrics.EventsRetried.WithLabelValues(stage(err)).Inc()
		h.logger.Warn("Transient failure, event left for redelivery",
			"event_id", evt.EventID,
			"user_id", evt.UserID,
			"network", evt.Network,
			"attempts", total,
			"error", err,
		)
		return err
	}
}

// process runs the state machine for a decoded event. Conflicts and lost claim
// races are resolved here and never surface as errors.
func (h *Handler) process(ctx context.Context, evt *domain.VerificationEvent) error {
	if evt.Outcome != domain.OutcomeApproved {
		if err := h.recordOutcome(ctx, evt); err != nil {
			return err
		}
		metrics.EventsConsumed.WithLabelValues(string(evt.Outcome), "skipped").Inc()
		h.logger.Info("Verification not approved, outcome recorded",
			"event_id", evt.EventID,
			"user_id", evt.UserID,
			"network", evt.Network,
			"outcome", evt.Outcome,
		)
		return nil
	}

	if !h.engine.Supports(evt.Network) {
		return fmt.Errorf("network %q: %w", evt.Network, domain.ErrUnsupportedNetwork)
	}

	stale, err := h.isStaleApproval(ctx, evt)
	if err != nil {
		return err
	}
	if stale {
		metrics.EventsConsumed.WithLabelValues(string(evt.Outcome), "stale").Inc()
		h.logger.Warn("Approval older than a recorded rejection, skipping",
			"event_id", evt.EventID,
			"user_id", evt.UserID,
			"network", evt.Network,
			"verified_at", evt.VerifiedAt,
		)
		return nil
	}

	claim, err := h.ledger.TryClaim(ctx, evt.EventID)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if claim == domain.ClaimAlreadyProcessed {
		entry, err := h.ledger.Get(ctx, evt.EventID)
		if err != nil {
			return fmt.Errorf("load claim: %w", err)
		}
		if entry.Completed() {
			metrics.EventsConsumed.WithLabelValues(string(evt.Outcome), "duplicate").Inc()
			h.logger.Debug("Event already processed, skipping",
				"event_id", evt.EventID,
				"user_id", evt.UserID,
				"network", evt.Network,
				"result_ref", entry.ResultRef,
			)
			return nil
		}
	}

	// A claim without a result ref is an interrupted attempt. It is resumed
	// against the wallet row, which may or may not have been written.
	existing, err := h.wallets.Get(ctx, evt.UserID, evt.Network)
	switch {
	case err == nil:
		return h.finishExisting(ctx, evt, existing, claim)
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("load wallet: %w", err)
	}

	if claim == domain.ClaimAlreadyProcessed {
		h.logger.Info("Claimed event has no wallet, resuming derivation",
			"event_id", evt.EventID,
			"user_id", evt.UserID,
			"network", evt.Network,
		)
	}

	rec, created, err := h.deriveAndPersist(ctx, evt)
	if err != nil {
		return err
	}

	if err := h.ledger.Complete(ctx, evt.EventID, resultRef(rec)); err != nil {
		return fmt.Errorf("complete claim: %w", err)
	}
	if err := h.recordOutcome(ctx, evt); err != nil {
		return err
	}

	if !created {
		metrics.EventsConsumed.WithLabelValues(string(evt.Outcome), "exists").Inc()
		return nil
	}

	metrics.WalletsCreated.WithLabelValues(string(rec.Network)).Inc()
	metrics.EventsConsumed.WithLabelValues(string(evt.Outcome), "created").Inc()
	h.logger.Info("Wallet provisioned",
		"event_id", evt.EventID,
		"user_id", rec.UserID,
		"network", rec.Network,
		"address", rec.Address,
	)
	h.notifyCreated(ctx, rec)
	return nil
}

// finishExisting acknowledges an approved event whose wallet already exists,
// either a redelivery or a re-verification of a provisioned user.
func (h *Handler) finishExisting(
	ctx context.Context,
	evt *domain.VerificationEvent,
	rec *domain.WalletRecord,
	claim domain.ClaimResult,
) error {
	if err := h.ledger.Complete(ctx, evt.EventID, resultRef(rec)); err != nil {
		return fmt.Errorf("complete claim: %w", err)
	}
	if err := h.recordOutcome(ctx, evt); err != nil {
		return err
	}

	result := "exists"
	if claim == domain.ClaimAlreadyProcessed {
		result = "duplicate"
	}
	metrics.EventsConsumed.WithLabelValues(string(evt.Outcome), result).Inc()
	h.logger.Debug("Wallet already provisioned",
		"event_id", evt.EventID,
		"user_id", evt.UserID,
		"network", evt.Network,
		"claim", claim,
	)
	return nil
}

// deriveAndPersist holds a generation permit from derivation until the record is stored.
func (h *Handler) deriveAndPersist(
	ctx context.Context,
	evt *domain.VerificationEvent,
) (*domain.WalletRecord, bool, error) {
	permit, err := h.limiter.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire generation permit: %w", err)
	}
	defer h.limiter.Release(permit)

	start := time.Now()
	res, err := h.engine.Derive(ctx, evt.UserID, evt.Network, 0)
	metrics.DerivationLatency.WithLabelValues(string(evt.Network)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, false, err
	}

	rec := &domain.WalletRecord{
		UserID:          evt.UserID,
		Network:         evt.Network,
		Address:         res.Address,
		EncryptedKey:    res.EncryptedKey,
		DerivationIndex: res.Index,
		CreatedAt:       h.now().UTC(),
	}

	err = h.wallets.Put(ctx, rec)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, domain.ErrDuplicateKey) {
		return nil, false, fmt.Errorf("persist wallet: %w", err)
	}

	existing, gerr := h.wallets.Get(ctx, evt.UserID, evt.Network)
	if gerr != nil {
		return nil, false, fmt.Errorf("load wallet after conflict: %w", gerr)
	}
	if !existing.SameDerivation(rec) {
		metrics.ConsistencyWarnings.WithLabelValues(string(evt.Network)).Inc()
		h.logger.Warn("Conflicting wallet record, keeping existing",
			"event_id", evt.EventID,
			"user_id", evt.UserID,
			"network", evt.Network,
			"existing_address", existing.Address,
			"derived_address", rec.Address,
		)
	}
	return existing, false, nil
}

// isStaleApproval reports whether a rejection newer than evt is already recorded.
func (h *Handler) isStaleApproval(ctx context.Context, evt *domain.VerificationEvent) (bool, error) {
	latest, err := h.outcomes.Latest(ctx, evt.UserID, evt.Network)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load outcome: %w", err)
	}
	return latest.Outcome == domain.OutcomeRejected && latest.VerifiedAt.After(evt.VerifiedAt), nil
}

func (h *Handler) recordOutcome(ctx context.Context, evt *domain.VerificationEvent) error {
	err := h.outcomes.Record(ctx, &domain.OutcomeRecord{
		UserID:     evt.UserID,
		Network:    evt.Network,
		Outcome:    evt.Outcome,
		EventID:    evt.EventID,
		VerifiedAt: evt.VerifiedAt,
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// notifyCreated publishes wallet.created. The wallet is already durable, so a
// failure here is logged and does not hold back the acknowledgement.
func (h *Handler) notifyCreated(ctx context.Context, rec *domain.WalletRecord) {
	if h.publisher == nil {
		return
	}
	err := h.publisher.PublishWalletCreated(ctx, &domain.WalletCreatedEvent{
		UserID:          rec.UserID,
		Network:         rec.Network,
		Address:         rec.Address,
		DerivationIndex: rec.DerivationIndex,
		CreatedAt:       rec.CreatedAt,
	})
	if err != nil {
		h.logger.Warn("Failed to publish wallet.created",
			"user_id", rec.UserID,
			"network", rec.Network,
			"error", err,
		)
	}
}

// deadLetter routes an event to the dead-letter topic. Only a failed publish is
// returned, which leaves the original message unacknowledged.
func (h *Handler) deadLetter(
	ctx context.Context,
	msg *kafka.Message,
	evt *domain.VerificationEvent,
	cause error,
	attempts int,
) error {
	reason := domain.FailureReason(cause)
	dl := &domain.DeadLetter{
		FailureReason:  reason,
		FailureDetail:  cause.Error(),
		AttemptCount:   attempts,
		DeadLetteredAt: h.now().UTC(),
	}
	if evt != nil {
		dl.VerificationEvent = *evt
	}
	if errors.Is(cause, domain.ErrMalformedEvent) {
		dl.RawPayload = msg.Value
	}

	if err := h.publisher.PublishDeadLetter(ctx, dl, msg.Key); err != nil {
		metrics.EventsRetried.WithLabelValues("dead_letter").Inc()
		return fmt.Errorf("publish dead letter: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(reason).Inc()
	metrics.EventsConsumed.WithLabelValues(string(dl.Outcome), "dead_letter").Inc()

	if dl.EventID != "" {
		err := h.ledger.Complete(ctx, dl.EventID, domain.ResultRefDeadLetter+reason)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("Failed to mark dead-lettered claim", "event_id", dl.EventID, "error", err)
		}
	}

	if h.deadLetters != nil {
		if err := h.deadLetters.Add(ctx, dl); err != nil {
			h.logger.Warn("Failed to index dead letter", "event_id", dl.EventID, "error", err)
		}
	}

	h.logger.Error("Event dead-lettered",
		"event_id", dl.EventID,
		"user_id", dl.UserID,
		"network", dl.Network,
		"failure_reason", reason,
		"attempt_count", attempts,
		"error", cause,
	)
	return nil
}

func (h *Handler) addAttempts(eventID string, n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[eventID] += n
	return h.attempts[eventID]
}

func (h *Handler) clearAttempts(eventID string) {
	h.mu.Lock()
	delete(h.attempts, eventID)
	h.mu.Unlock()
}

// decode parses and validates a message. A missing verified_at falls back to the
// broker timestamp. On failure the partially decoded event is still returned.
func decode(msg *kafka.Message) (*domain.VerificationEvent, error) {
	var evt domain.VerificationEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return &domain.VerificationEvent{UserID: string(msg.Key)},
			fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	evt.Network = domain.Network(strings.ToLower(strings.TrimSpace(string(evt.Network))))
	if evt.VerifiedAt.IsZero() {
		evt.VerifiedAt = msg.Timestamp.UTC()
	}
	if err := evt.Validate(); err != nil {
		return &evt, err
	}
	return &evt, nil
}

func resultRef(rec *domain.WalletRecord) string {
	return domain.ResultRefWallet + rec.Key().String()
}

// stage labels a transient error for metrics.
func stage(err error) string {
	switch {
	case errors.Is(err, domain.ErrLimiterTimeout), errors.Is(err, domain.ErrLimiterClosed):
		return "limiter"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "storage"
	}
}
