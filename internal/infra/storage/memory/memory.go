package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/walletd/internal/core/domain"
)

// MemoryStorage backs every repository in a single process. It is used when no
// database is configured and by tests; state is lost on restart.
type MemoryStorage struct {
	wallets   map[domain.WalletKey]*domain.WalletRecord
	addresses map[string]domain.WalletKey
	ledger    map[string]*domain.IdempotencyEntry
	outcomes  map[domain.WalletKey]*domain.OutcomeRecord
	decisions map[string]*domain.VerificationDecision
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		wallets:   make(map[domain.WalletKey]*domain.WalletRecord),
		addresses: make(map[string]domain.WalletKey),
		ledger:    make(map[string]*domain.IdempotencyEntry),
		outcomes:  make(map[domain.WalletKey]*domain.OutcomeRecord),
		decisions: make(map[string]*domain.VerificationDecision),
	}
}

// -----------------------------------------------------------------------------
// Wallet Repository
// -----------------------------------------------------------------------------

type WalletRepo struct {
	store *MemoryStorage
}

func NewWalletRepo(store *MemoryStorage) *WalletRepo {
	return &WalletRepo{store: store}
}

func (r *WalletRepo) Put(ctx context.Context, w *domain.WalletRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := w.Key()
	if _, ok := r.store.wallets[key]; ok {
		return fmt.Errorf("%w: wallet %s", domain.ErrDuplicateKey, key)
	}
	if owner, ok := r.store.addresses[w.Address]; ok {
		return fmt.Errorf("%w: address already owned by %s", domain.ErrDuplicateKey, owner)
	}

	cp := *w
	cp.EncryptedKey = append([]byte(nil), w.EncryptedKey...)
	r.store.wallets[key] = &cp
	r.store.addresses[w.Address] = key
	return nil
}

func (r *WalletRepo) Get(ctx context.Context, userID string, network domain.Network) (*domain.WalletRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	w, ok := r.store.wallets[domain.WalletKey{UserID: userID, Network: network}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *w
	cp.EncryptedKey = append([]byte(nil), w.EncryptedKey...)
	return &cp, nil
}

// Count returns the number of stored wallets.
func (r *WalletRepo) Count() int {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.wallets)
}

// -----------------------------------------------------------------------------
// Idempotency Ledger
// -----------------------------------------------------------------------------

type LedgerRepo struct {
	store *MemoryStorage
	now   func() time.Time
}

func NewLedgerRepo(store *MemoryStorage) *LedgerRepo {
	return &LedgerRepo{store: store, now: time.Now}
}

func (r *LedgerRepo) TryClaim(ctx context.Context, eventID string) (domain.ClaimResult, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.ledger[eventID]; ok {
		return domain.ClaimAlreadyProcessed, nil
	}
	r.store.ledger[eventID] = &domain.IdempotencyEntry{
		EventID:     eventID,
		ProcessedAt: r.now().UTC(),
	}
	return domain.ClaimClaimed, nil
}

func (r *LedgerRepo) Complete(ctx context.Context, eventID string, resultRef string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	e, ok := r.store.ledger[eventID]
	if !ok {
		return fmt.Errorf("complete %s: %w", eventID, domain.ErrNotFound)
	}
	e.ResultRef = resultRef
	e.ProcessedAt = r.now().UTC()
	return nil
}

func (r *LedgerRepo) Get(ctx context.Context, eventID string) (*domain.IdempotencyEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	e, ok := r.store.ledger[eventID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// -----------------------------------------------------------------------------
// Outcome Repository
// -----------------------------------------------------------------------------

type OutcomeRepo struct {
	store *MemoryStorage
}

func NewOutcomeRepo(store *MemoryStorage) *OutcomeRepo {
	return &OutcomeRepo{store: store}
}

func (r *OutcomeRepo) Record(ctx context.Context, o *domain.OutcomeRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := domain.WalletKey{UserID: o.UserID, Network: o.Network}
	if cur, ok := r.store.outcomes[key]; ok && cur.VerifiedAt.After(o.VerifiedAt) {
		return nil
	}
	cp := *o
	r.store.outcomes[key] = &cp
	return nil
}

func (r *OutcomeRepo) Latest(ctx context.Context, userID string, network domain.Network) (*domain.OutcomeRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	o, ok := r.store.outcomes[domain.WalletKey{UserID: userID, Network: network}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// -----------------------------------------------------------------------------
// Decision Repository
// -----------------------------------------------------------------------------

type DecisionRepo struct {
	store *MemoryStorage
	now   func() time.Time
}

func NewDecisionRepo(store *MemoryStorage) *DecisionRepo {
	return &DecisionRepo{store: store, now: time.Now}
}

func (r *DecisionRepo) Save(ctx context.Context, d *domain.VerificationDecision) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.decisions[d.ID]; ok {
		return fmt.Errorf("%w: decision %s", domain.ErrDuplicateKey, d.ID)
	}
	for _, existing := range r.store.decisions {
		if existing.EventID == d.EventID {
			return fmt.Errorf("%w: event %s", domain.ErrDuplicateKey, d.EventID)
		}
	}
	cp := *d
	r.store.decisions[d.ID] = &cp
	return nil
}

func (r *DecisionRepo) GetLatest(
	ctx context.Context,
	userID string,
	network domain.Network,
) (*domain.VerificationDecision, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var latest *domain.VerificationDecision
	for _, d := range r.store.decisions {
		if d.UserID != userID || d.Network != network {
			continue
		}
		if latest == nil || d.DecidedAt.After(latest.DecidedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *DecisionRepo) UpdatePublishStatus(
	ctx context.Context,
	id string,
	status domain.PublishStatus,
	attempts int,
	lastError string,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	d, ok := r.store.decisions[id]
	if !ok {
		return fmt.Errorf("decision %s: %w", id, domain.ErrNotFound)
	}
	d.PublishStatus = status
	d.PublishAttempts = attempts
	d.LastError = lastError
	d.UpdatedAt = r.now().UTC()
	return nil
}

func (r *DecisionRepo) ListByStatus(
	ctx context.Context,
	status domain.PublishStatus,
	limit int,
) ([]*domain.VerificationDecision, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.VerificationDecision
	for _, d := range r.store.decisions {
		if d.PublishStatus == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecidedAt.Before(out[j].DecidedAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DecisionRepo) CountByStatus(ctx context.Context, status domain.PublishStatus) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	n := 0
	for _, d := range r.store.decisions {
		if d.PublishStatus == status {
			n++
		}
	}
	return n, nil
}
