// Package api wires the HTTP surface: routing, the three token gates,
// request logging and metrics, and the JSON error contract.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lexiie/KangKlip/internal/artifacts"
	"github.com/Lexiie/KangKlip/internal/auth"
	"github.com/Lexiie/KangKlip/internal/config"
	"github.com/Lexiie/KangKlip/internal/credits"
	"github.com/Lexiie/KangKlip/internal/dispatch"
	"github.com/Lexiie/KangKlip/internal/monitoring"
	"github.com/Lexiie/KangKlip/internal/store"
	"github.com/Lexiie/KangKlip/internal/unlock"
)

// CreditService is the slice of the credit ledger the handlers call.
// The unlock path holds its own chain handle through the coordinator.
type CreditService interface {
	GetCredits(ctx context.Context, wallet solana.PublicKey) (uint64, error)
	Intent(wallet solana.PublicKey, creditsToBuy uint64) (*credits.TopupIntent, error)
	ConfirmTopup(ctx context.Context, wallet solana.PublicKey, signature string) (uint64, error)
}

// Deps carries everything the HTTP surface serves.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Auth      *auth.Service
	Credits   CreditService
	Unlock    *unlock.Coordinator
	Artifacts *artifacts.Service
	Dispatch  *dispatch.Dispatcher
	Metrics   *monitoring.Metrics
	Log       *slog.Logger
}

type Server struct {
	cfg       *config.Config
	store     *store.Store
	auth      *auth.Service
	credits   CreditService
	unlock    *unlock.Coordinator
	artifacts *artifacts.Service
	dispatch  *dispatch.Dispatcher
	metrics   *monitoring.Metrics
	limiter   *rateLimiter
	log       *slog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		store:     d.Store,
		auth:      d.Auth,
		credits:   d.Credits,
		unlock:    d.Unlock,
		artifacts: d.Artifacts,
		dispatch:  d.Dispatch,
		metrics:   d.Metrics,
		limiter:   newRateLimiter(challengeRateLimit, time.Minute),
		log:       d.Log,
	}
}

// Router builds the route table. Clip routes demand the job token,
// credit routes the auth token, and unlock demands both. POST routes
// behind a token gate validate the body first, so they run their gates
// inline rather than through the middleware wrappers.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.instrument)

	api.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobId}", s.handleJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobId}/results", s.requireJobToken(s.handleResults)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobId}/clips/{clipFile}/preview", s.requireJobToken(s.handlePreview)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobId}/clips/{clipFile}/download", s.requireJobToken(s.handleDownload)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobId}/clips/{clipFile}/stream", s.requireJobToken(s.handleStream)).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobId}/clips/{clipFile}/unlock", s.handleUnlock).Methods(http.MethodPost)

	api.HandleFunc("/auth/challenge", s.handleChallenge).Methods(http.MethodPost)
	api.HandleFunc("/auth/verify", s.handleVerify).Methods(http.MethodPost)

	api.HandleFunc("/credits/balance", s.requireAuthToken(s.handleBalance)).Methods(http.MethodGet)
	api.HandleFunc("/credits/topup/usdc/intent", s.handleTopupIntent).Methods(http.MethodPost)
	api.HandleFunc("/credits/topup/usdc/confirm", s.handleTopupConfirm).Methods(http.MethodPost)

	api.HandleFunc("/callback/nosana", s.requireCallbackToken(s.handleCallback)).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	storeStatus := "connected"
	if err := s.store.Ping(ctx); err != nil {
		storeStatus = "error"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "kangklip-api",
		"store":   storeStatus,
	})
}
