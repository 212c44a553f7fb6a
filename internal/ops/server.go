// Package ops exposes the operational HTTP endpoint: health, on-demand
// reconciliation, and the latest audit report.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/ledger"
	"github.com/achavala/pairhedge/internal/reconcile"
)

// Server serves the ops endpoints on a dedicated port.
type Server struct {
	cfg    config.OpsConfig
	recon  *reconcile.Engine
	ledger ledger.Interface
	logger *logrus.Entry
	http   *http.Server
}

// NewServer creates the ops server. The reconciliation engine and ledger are
// shared with the trading process.
func NewServer(cfg config.OpsConfig, recon *reconcile.Engine, led ledger.Interface, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		recon:  recon,
		ledger: led,
		logger: logger.WithField("component", "ops"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		if cfg.AuthToken != "" {
			r.Use(s.requireToken)
		}
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/reconcile/report", s.handleReport)
		r.Get("/statistics", s.handleStatistics)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.http.Addr).Info("ops server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		return nil
	}
}

// requireToken enforces bearer-token auth using a constant-time compare.
func (s *Server) requireToken(next http.Handler) http.Handler {
	expected := "Bearer " + s.cfg.AuthToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.recon.Run(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("reconciliation run failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	report := s.recon.LastReport()
	if report == nil {
		http.Error(w, "no reconciliation run yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	state, err := s.ledger.Replay()
	if err != nil {
		s.logger.WithError(err).Error("ledger replay failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, ledger.ComputeStatistics(state))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
