package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/walletd/internal/core/domain"
)

// WalletReader is the read-only wallet query interface.
type WalletReader interface {
	GetWallet(ctx context.Context, userID string, network domain.Network) (*domain.WalletRecord, error)
}

// Server provides HTTP endpoints for health, metrics and wallet lookups.
type Server struct {
	monitor *Monitor
	wallets WalletReader
	server  *http.Server
}

// NewServer creates a new ops server. A nil wallets disables the wallet route.
func NewServer(monitor *Monitor, wallets WalletReader, port int) *Server {
	s := &Server{
		monitor: monitor,
		wallets: wallets,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Handle("/metrics", promhttp.Handler())
	if s.wallets != nil {
		r.Get("/wallets/{userID}/{network}", s.handleWallet)
	}
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

type walletResponse struct {
	UserID          string         `json:"user_id"`
	Network         domain.Network `json:"network"`
	Address         string         `json:"address"`
	DerivationIndex uint32         `json:"derivation_index"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	network, err := domain.ParseNetwork(chi.URLParam(r, "network"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	userID := chi.URLParam(r, "userID")

	rec, err := s.wallets.GetWallet(r.Context(), userID, network)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "wallet not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "wallet lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{
		UserID:          rec.UserID,
		Network:         rec.Network,
		Address:         rec.Address,
		DerivationIndex: rec.DerivationIndex,
		CreatedAt:       rec.CreatedAt,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
