package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/walletd/internal/core/derivation"
	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/infra/kafka"
	"github.com/vietddude/walletd/internal/infra/storage/memory"
	"github.com/vietddude/walletd/internal/provisioning/limiter"
	"github.com/vietddude/walletd/internal/provisioning/recovery"
	"github.com/vietddude/walletd/internal/provisioning/walletstore"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// =============================================================================
// Fakes
// =============================================================================

type fakePublisher struct {
	mu            sync.Mutex
	deadLetters   []*domain.DeadLetter
	created       []*domain.WalletCreatedEvent
	deadLetterErr error
	createdErr    error
}

func (p *fakePublisher) PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter, key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deadLetterErr != nil {
		return p.deadLetterErr
	}
	p.deadLetters = append(p.deadLetters, dl)
	return nil
}

func (p *fakePublisher) PublishWalletCreated(ctx context.Context, evt *domain.WalletCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createdErr != nil {
		return p.createdErr
	}
	p.created = append(p.created, evt)
	return nil
}

// countingDeriver wraps the real engine. When gate is set, each derivation
// announces itself on started and waits for gate. A non-nil fail is returned
// instead of deriving.
type countingDeriver struct {
	*derivation.Engine
	mu      sync.Mutex
	calls   int
	started chan string
	gate    chan struct{}
	fail    error
}

func (d *countingDeriver) Derive(
	ctx context.Context,
	userID string,
	network domain.Network,
	index uint32,
) (*derivation.Result, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.started != nil {
		d.started <- userID
	}
	if d.gate != nil {
		<-d.gate
	}
	if d.fail != nil {
		return nil, d.fail
	}
	return d.Engine.Derive(ctx, userID, network, index)
}

func (d *countingDeriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// racyStore reports a miss on the first Get, as if another instance persisted
// the wallet between the existence check and the Put.
type racyStore struct {
	*walletstore.Store
	mu     sync.Mutex
	missed bool
}

func (s *racyStore) Get(ctx context.Context, userID string, network domain.Network) (*domain.WalletRecord, error) {
	s.mu.Lock()
	if !s.missed {
		s.missed = true
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, userID, network)
}

type fixture struct {
	handler   *Handler
	storage   *memory.MemoryStorage
	ledger    *memory.LedgerRepo
	outcomes  *memory.OutcomeRepo
	wallets   *memory.WalletRepo
	store     *walletstore.Store
	deriver   *countingDeriver
	limiter   *limiter.Limiter
	publisher *fakePublisher
}

func newFixture(t *testing.T, capacity int, timeout time.Duration) *fixture {
	t.Helper()

	seed, err := derivation.NewMasterSeed(testMnemonic)
	require.NoError(t, err)
	cipher, err := derivation.NewKeyCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	st := memory.NewMemoryStorage()
	f := &fixture{
		storage:   st,
		ledger:    memory.NewLedgerRepo(st),
		outcomes:  memory.NewOutcomeRepo(st),
		wallets:   memory.NewWalletRepo(st),
		deriver:   &countingDeriver{Engine: derivation.NewEngine(seed, cipher)},
		limiter:   limiter.New(capacity, timeout),
		publisher: &fakePublisher{},
	}
	f.store = walletstore.New(f.wallets, walletstore.NewMemoryCache(0), nil)
	f.handler = f.build(f.store)
	return f
}

func (f *fixture) build(store WalletStore) *Handler {
	strategy := recovery.DefaultBackoff(nil)
	strategy.InitialDelay = time.Millisecond
	strategy.MaxAttempts = 1
	return NewHandler(Deps{
		Ledger:    f.ledger,
		Outcomes:  f.outcomes,
		Wallets:   store,
		Engine:    f.deriver,
		Limiter:   f.limiter,
		Publisher: f.publisher,
		Strategy:  strategy,
	})
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func event(id, user string, network domain.Network, outcome domain.Outcome, at time.Time) *domain.VerificationEvent {
	return &domain.VerificationEvent{
		EventID:    id,
		UserID:     user,
		Network:    network,
		Outcome:    outcome,
		VerifiedAt: at,
	}
}

func message(t *testing.T, evt *domain.VerificationEvent) *kafka.Message {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return &kafka.Message{
		Topic:     domain.TopicUserVerified,
		Key:       []byte(evt.UserID),
		Value:     data,
		Timestamp: t0,
	}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestHandle_RedeliveryCreatesOneWallet(t *testing.T) {
	f := newFixture(t, 2, time.Second)
	ctx := context.Background()
	msg := message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0))

	require.NoError(t, f.handler.Handle(ctx, msg))
	require.NoError(t, f.handler.Handle(ctx, msg))

	assert.Equal(t, 1, f.wallets.Count())
	assert.Equal(t, 1, f.deriver.Calls(), "second delivery must not re-derive")

	rec, err := f.store.GetWallet(ctx, "u1", domain.NetworkEthereum)
	require.NoError(t, err)
	assert.Regexp(t, `^0x[0-9a-fA-F]{40}$`, rec.Address)

	entry, err := f.ledger.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "wallet:u1:ethereum", entry.ResultRef)

	require.Len(t, f.publisher.created, 1)
	assert.Equal(t, rec.Address, f.publisher.created[0].Address)
}

func TestHandle_UnsupportedNetworkDeadLettered(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	msg := message(t, event("e2", "u1", "dogecoin", domain.OutcomeApproved, t0))

	require.NoError(t, f.handler.Handle(context.Background(), msg), "must be acknowledged")

	require.Len(t, f.publisher.deadLetters, 1)
	dl := f.publisher.deadLetters[0]
	assert.Equal(t, "UnsupportedNetwork", dl.FailureReason)
	assert.Equal(t, 1, dl.AttemptCount)
	assert.Equal(t, "e2", dl.EventID)
	assert.Equal(t, 0, f.wallets.Count())
	assert.Equal(t, 0, f.deriver.Calls())
}

func TestHandle_ApprovedThenRejected(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, message(t, event("e1", "u1", domain.NetworkBitcoin, domain.OutcomeApproved, t0))))
	require.NoError(t, f.handler.Handle(ctx, message(t, event("e2", "u1", domain.NetworkBitcoin, domain.OutcomeRejected, t0.Add(time.Minute)))))

	_, err := f.store.Get(ctx, "u1", domain.NetworkBitcoin)
	require.NoError(t, err, "rejection must not retract the wallet")

	latest, err := f.outcomes.Latest(ctx, "u1", domain.NetworkBitcoin)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, latest.Outcome)
}

func TestHandle_StaleApprovalSkipped(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, message(t, event("e2", "u1", domain.NetworkTron, domain.OutcomeRejected, t0.Add(time.Hour)))))
	require.NoError(t, f.handler.Handle(ctx, message(t, event("e1", "u1", domain.NetworkTron, domain.OutcomeApproved, t0))))

	_, err := f.store.Get(ctx, "u1", domain.NetworkTron)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.deriver.Calls())
}

func TestHandle_ResumesAfterCrashBetweenClaimAndPersist(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	ctx := context.Background()

	// A previous instance claimed the event and died before persisting
	claim, err := f.ledger.TryClaim(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, domain.ClaimClaimed, claim)

	require.NoError(t, f.handler.Handle(ctx, message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0))))

	assert.Equal(t, 1, f.wallets.Count())
	assert.Equal(t, 1, f.deriver.Calls())
	entry, err := f.ledger.Get(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, entry.Completed())
}

func TestHandle_CompletedClaimSkipsDifferentPayload(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0))))

	// Same event id, different user: the completed claim wins
	require.NoError(t, f.handler.Handle(ctx, message(t, event("e1", "u2", domain.NetworkEthereum, domain.OutcomeApproved, t0))))

	assert.Equal(t, 1, f.wallets.Count())
	assert.Equal(t, 1, f.deriver.Calls())
	_, err := f.store.Get(ctx, "u2", domain.NetworkEthereum)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entry, err := f.ledger.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "wallet:u1:ethereum", entry.ResultRef)
}

func TestHandle_DerivationFailedDeadLettered(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	f.deriver.fail = fmt.Errorf("%w: bad curve point", domain.ErrDerivationFailed)
	ctx := context.Background()
	msg := message(t, event("e1", "u1", domain.NetworkBitcoin, domain.OutcomeApproved, t0))

	require.NoError(t, f.handler.Handle(ctx, msg), "permanent failures are acknowledged")

	require.Len(t, f.publisher.deadLetters, 1)
	dl := f.publisher.deadLetters[0]
	assert.Equal(t, "DerivationFailed", dl.FailureReason)
	assert.Equal(t, "e1", dl.EventID)
	assert.Equal(t, "u1", dl.UserID)
	assert.Equal(t, domain.NetworkBitcoin, dl.Network)
	assert.Equal(t, 1, dl.AttemptCount)
	assert.Equal(t, 0, f.wallets.Count())

	entry, err := f.ledger.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "dead_letter:DerivationFailed", entry.ResultRef)

	// Redelivery is skipped without deriving or dead-lettering again
	require.NoError(t, f.handler.Handle(ctx, msg))
	assert.Equal(t, 1, f.deriver.Calls())
	assert.Len(t, f.publisher.deadLetters, 1)
}

func TestHandle_MalformedEventDeadLettered(t *testing.T) {
	f := newFixture(t, 1, time.Second)

	msg := &kafka.Message{Key: []byte("u1"), Value: []byte("{not json")}
	require.NoError(t, f.handler.Handle(context.Background(), msg))

	require.Len(t, f.publisher.deadLetters, 1)
	dl := f.publisher.deadLetters[0]
	assert.Equal(t, "MalformedEvent", dl.FailureReason)
	assert.Equal(t, []byte("{not json"), dl.RawPayload)

	// Schema violations are malformed too
	bad := message(t, event("e3", "u1", domain.NetworkEthereum, "maybe", t0))
	require.NoError(t, f.handler.Handle(context.Background(), bad))
	require.Len(t, f.publisher.deadLetters, 2)
	assert.Equal(t, "MalformedEvent", f.publisher.deadLetters[1].FailureReason)
}

func TestHandle_MissingVerifiedAtUsesBrokerTimestamp(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	ctx := context.Background()

	msg := message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeRejected, time.Time{}))
	require.NoError(t, f.handler.Handle(ctx, msg))

	latest, err := f.outcomes.Latest(ctx, "u1", domain.NetworkEthereum)
	require.NoError(t, err)
	assert.True(t, latest.VerifiedAt.Equal(t0))
}

func TestHandle_LimiterTimeoutNotAcknowledged(t *testing.T) {
	f := newFixture(t, 1, 20*time.Millisecond)
	ctx := context.Background()

	held, err := f.limiter.Acquire(ctx)
	require.NoError(t, err)

	msg := message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0))
	err = f.handler.Handle(ctx, msg)
	assert.ErrorIs(t, err, domain.ErrLimiterTimeout)
	assert.Equal(t, 0, f.wallets.Count())
	assert.Empty(t, f.publisher.deadLetters, "backpressure is not a failure")

	// Redelivery after the permit frees up completes the event
	f.limiter.Release(held)
	require.NoError(t, f.handler.Handle(ctx, msg))
	assert.Equal(t, 1, f.wallets.Count())
}

func TestHandle_Backpressure(t *testing.T) {
	f := newFixture(t, 1, 5*time.Second)
	f.deriver.started = make(chan string, 2)
	f.deriver.gate = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 2)
	go func() {
		done <- f.handler.Handle(ctx, message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0)))
	}()

	first := <-f.deriver.started
	assert.Equal(t, "u1", first)

	go func() {
		done <- f.handler.Handle(ctx, message(t, event("e2", "u2", domain.NetworkEthereum, domain.OutcomeApproved, t0)))
	}()

	select {
	case u := <-f.deriver.started:
		t.Fatalf("derivation for %s started while the only permit was held", u)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, f.wallets.Count(), "nothing is persisted before derivation completes")

	close(f.deriver.gate)
	require.NoError(t, <-done)

	select {
	case u := <-f.deriver.started:
		assert.Equal(t, "u2", u)
	case <-time.After(time.Second):
		t.Fatal("second derivation never started")
	}
	require.NoError(t, <-done)
	assert.Equal(t, 2, f.wallets.Count())
}

func TestHandle_DeadLetterPublishFailureNotAcknowledged(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	f.publisher.deadLetterErr = errors.New("broker unavailable")

	err := f.handler.Handle(context.Background(), message(t, event("e2", "u1", "dogecoin", domain.OutcomeApproved, t0)))
	require.Error(t, err)

	// The retry counts both deliveries
	f.publisher.deadLetterErr = nil
	require.NoError(t, f.handler.Handle(context.Background(), message(t, event("e2", "u1", "dogecoin", domain.OutcomeApproved, t0))))
	require.Len(t, f.publisher.deadLetters, 1)
	assert.Equal(t, 2, f.publisher.deadLetters[0].AttemptCount)
}

func TestHandle_ConflictKeepsExistingRecord(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	ctx := context.Background()

	existing := &domain.WalletRecord{
		UserID:       "u1",
		Network:      domain.NetworkEthereum,
		Address:      "0x0000000000000000000000000000000000000001",
		EncryptedKey: []byte{1},
		CreatedAt:    t0,
	}
	require.NoError(t, f.store.Put(ctx, existing))

	h := f.build(&racyStore{Store: f.store})
	require.NoError(t, h.Handle(ctx, message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0))))

	rec, err := f.store.Get(ctx, "u1", domain.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, existing.Address, rec.Address, "existing record wins")
	assert.Empty(t, f.publisher.created)

	entry, err := f.ledger.Get(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, entry.Completed())
}

func TestHandle_ReverificationIsNoop(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0))))
	require.NoError(t, f.handler.Handle(ctx, message(t, event("e9", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0.Add(time.Hour)))))

	assert.Equal(t, 1, f.wallets.Count())
	assert.Equal(t, 1, f.deriver.Calls())
	assert.Len(t, f.publisher.created, 1)
}

func TestHandle_WalletCreatedFailureStillAcknowledged(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	f.publisher.createdErr = errors.New("broker unavailable")

	require.NoError(t, f.handler.Handle(context.Background(), message(t, event("e1", "u1", domain.NetworkTron, domain.OutcomeApproved, t0))))
	assert.Equal(t, 1, f.wallets.Count())
}

func TestHandle_TransientStoreErrorNotAcknowledged(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	h := f.build(failingStore{})

	err := h.Handle(context.Background(), message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0)))
	require.Error(t, err)
	assert.Empty(t, f.publisher.deadLetters)

	// The claim stays; a redelivery against a healthy store resumes it
	require.NoError(t, f.handler.Handle(context.Background(), message(t, event("e1", "u1", domain.NetworkEthereum, domain.OutcomeApproved, t0))))
	assert.Equal(t, 1, f.wallets.Count())
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, rec *domain.WalletRecord) error {
	return errors.New("connection reset")
}

func (failingStore) Get(ctx context.Context, userID string, network domain.Network) (*domain.WalletRecord, error) {
	return nil, errors.New("connection reset")
}
