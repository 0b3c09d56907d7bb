package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/walletd/internal/core/domain"
)

// =============================================================================
// Mocks
// =============================================================================

type stubLimiter struct {
	inFlight, capacity int
}

func (s *stubLimiter) InFlight() int { return s.inFlight }
func (s *stubLimiter) Capacity() int { return s.capacity }

type stubWallets struct {
	records map[domain.WalletKey]*domain.WalletRecord
	err     error
}

func (s *stubWallets) GetWallet(
	ctx context.Context,
	userID string,
	network domain.Network,
) (*domain.WalletRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[domain.WalletKey{UserID: userID, Network: network}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func ok(ctx context.Context) error { return nil }

func failing(ctx context.Context) error { return errors.New("connection refused") }

// =============================================================================
// Monitor Tests
// =============================================================================

func TestMonitor_Status(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(m *Monitor)
		limiter  *stubLimiter
		expected SystemStatus
	}{
		{
			name: "all healthy",
			setup: func(m *Monitor) {
				m.Register("database", true, ok)
				m.Register("redis", false, ok)
			},
			limiter:  &stubLimiter{inFlight: 1, capacity: 4},
			expected: StatusHealthy,
		},
		{
			name: "optional dependency down",
			setup: func(m *Monitor) {
				m.Register("database", true, ok)
				m.Register("redis", false, failing)
			},
			limiter:  &stubLimiter{capacity: 4},
			expected: StatusDegraded,
		},
		{
			name: "required dependency down",
			setup: func(m *Monitor) {
				m.Register("database", true, failing)
				m.Register("redis", false, failing)
			},
			limiter:  &stubLimiter{capacity: 4},
			expected: StatusCritical,
		},
		{
			name: "limiter saturated",
			setup: func(m *Monitor) {
				m.Register("kafka", true, ok)
			},
			limiter:  &stubLimiter{inFlight: 4, capacity: 4},
			expected: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(tt.limiter)
			tt.setup(m)

			report := m.CheckHealth(context.Background())
			if report.SystemStatus != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, report.SystemStatus)
			}
		})
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	calls := 0
	m := NewMonitor(nil)
	m.Register("database", true, func(ctx context.Context) error {
		calls++
		return nil
	})

	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	if calls != 1 {
		t.Errorf("expected 1 check within interval, got %d", calls)
	}

	m.interval = 0
	m.CheckHealth(context.Background())
	if calls != 2 {
		t.Errorf("expected re-check after interval, got %d", calls)
	}
}

// =============================================================================
// Server Tests
// =============================================================================

func TestServer_Health(t *testing.T) {
	m := NewMonitor(&stubLimiter{capacity: 2})
	m.Register("database", true, failing)
	srv := NewServer(m, nil, 0)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"critical"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid detailed report: %v", err)
	}
	if report.Components["database"].Error == "" {
		t.Error("expected database error in detailed report")
	}
	if report.Limiter == nil || report.Limiter.Capacity != 2 {
		t.Error("expected limiter section")
	}
}

func TestServer_Wallet(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wallets := &stubWallets{records: map[domain.WalletKey]*domain.WalletRecord{
		{UserID: "u1", Network: domain.NetworkEthereum}: {
			UserID:       "u1",
			Network:      domain.NetworkEthereum,
			Address:      "0x9858EfFD232B4033E47d90003D41EC34EcaEda94",
			EncryptedKey: []byte("sealed"),
			CreatedAt:    created,
		},
	}}
	handler := NewServer(NewMonitor(nil), wallets, 0).Routes()

	tests := []struct {
		path string
		code int
	}{
		{"/wallets/u1/ethereum", http.StatusOK},
		{"/wallets/u1/ETHEREUM", http.StatusOK},
		{"/wallets/u2/ethereum", http.StatusNotFound},
		{"/wallets/u1/dogecoin", http.StatusBadRequest},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wallets/u1/ethereum", nil))
	if strings.Contains(rec.Body.String(), "encrypted_key") {
		t.Error("key material must not be served")
	}
	if !strings.Contains(rec.Body.String(), "0x9858EfFD232B4033E47d90003D41EC34EcaEda94") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	wallets.err = errors.New("db down")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wallets/u1/ethereum", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
