// Package server exposes the faucet's producer endpoints and operational
// probes over HTTP. Producer responses are terse text bodies; worker
// failures are never visible here.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftlabs/faucet/pkg/metrics"
	"github.com/driftlabs/faucet/pkg/state"
	"github.com/driftlabs/faucet/pkg/ticket"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  chi.Router
	httpSrv *http.Server
	limiter *RateLimiter
	ready   atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(cfg.RequestRate, cfg.RequestBurst),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}

	// Producer endpoints, rate limited per IP.
	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Post("/ask_money", s.handleAskMoney)
		r.Get("/register_address/{address}/{salt}", s.handleRegisterAddress)
	})

	s.router.Get("/is_withdraw_allowed/{address}", s.handleIsWithdrawAllowed)
	s.router.Get("/claim_status/{ticket}", s.handleClaimStatus)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())
}

// MarkReady flips the readiness probe once state is restored and the
// worker loop is running.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			metrics.ClaimsTotal.WithLabelValues(sourceOf(r), "rate_limited").Inc()
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, "Error: too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type askMoneyRequest struct {
	Address string `json:"address"`
	Salt    string `json:"salt"`
}

func (s *Server) handleAskMoney(w http.ResponseWriter, r *http.Request) {
	var req askMoneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, r, "invalid_body", "Error: malformed request body")
		return
	}
	s.submitClaim(w, r, req.Address, req.Salt)
}

func (s *Server) handleRegisterAddress(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	salt := chi.URLParam(r, "salt")
	if salt == "" {
		s.reject(w, r, "missing_salt", "Error: missing salt")
		return
	}
	s.submitClaim(w, r, address, salt)
}

// submitClaim is the shared producer pipeline: validate the address,
// derive a ticket, merge the claim, and promote it the instant it is
// dispatch-ready.
func (s *Server) submitClaim(w http.ResponseWriter, r *http.Request, address, salt string) {
	if address == "" {
		s.reject(w, r, "missing_address", "Error: missing address")
		return
	}
	address = state.NormalizeAddress(address)
	if !addressRe.MatchString(address) {
		s.reject(w, r, "invalid_address", "Error: invalid zkSync address")
		return
	}
	if s.cfg.State.AddressUsed(address) {
		s.reject(w, r, "already_funded", "Error: address already funded")
		return
	}

	var tkt string
	if salt != "" {
		tkt = ticket.FromAddressSalt(address, salt)
	} else {
		tkt = ticket.FromAddress(address)
	}

	if c, ok := s.cfg.State.Claim(tkt); ok && c.Sent {
		s.reject(w, r, "already_processed", "Error: already processed")
		return
	}

	s.cfg.State.UpsertClaim(tkt, state.Claim{Address: address})
	promoted := s.cfg.State.PromoteIfReady(tkt)

	s.log.Info("server: claim submitted",
		"ticket", tkt,
		"address", address,
		"promoted", promoted,
		"request_id", middleware.GetReqID(r.Context()))
	metrics.ClaimsTotal.WithLabelValues(sourceOf(r), "accepted").Inc()
	fmt.Fprint(w, "Success")
}

func (s *Server) handleIsWithdrawAllowed(w http.ResponseWriter, r *http.Request) {
	address := state.NormalizeAddress(chi.URLParam(r, "address"))
	if !addressRe.MatchString(address) {
		fmt.Fprint(w, "false")
		return
	}
	fmt.Fprintf(w, "%t", s.cfg.State.WithdrawAllowed(address))
}

type claimStatusResponse struct {
	Ticket     string `json:"ticket"`
	Known      bool   `json:"known"`
	HasAddress bool   `json:"hasAddress"`
	HasProof   bool   `json:"hasProof"`
	Sent       bool   `json:"sent"`
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	tkt := chi.URLParam(r, "ticket")
	c, ok := s.cfg.State.Claim(tkt)
	resp := claimStatusResponse{
		Ticket:     tkt,
		Known:      ok,
		HasAddress: c.Address != "",
		HasProof:   c.ExternalID != "",
		Sent:       c.Sent,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("server: failed to write claim status response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready\n")); err != nil {
			s.log.Error("server: failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.cfg.VersionInfo); err != nil {
		s.log.Error("server: failed to write version response", "error", err)
	}
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, reason, body string) {
	metrics.ClaimsTotal.WithLabelValues(sourceOf(r), reason).Inc()
	fmt.Fprint(w, body)
}

func sourceOf(r *http.Request) string {
	if r.Method == http.MethodPost {
		return "ask_money"
	}
	return "register_address"
}
