// Package participantserver is the participant's HTTP surface (spec §6):
// prepare, can_commit, precommit, commit, abort and status, routed with
// chi exactly as the teacher's database server routes its own endpoints.
package participantserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnohosten/txcommit/internal/adminapi"
	"github.com/mnohosten/txcommit/internal/participant"
	"github.com/mnohosten/txcommit/pkg/txn"
)

// Config holds participant HTTP server settings.
type Config struct {
	Host           string
	Port           int
	MaxRequestSize int64
	EnableLogging  bool
	EnableGraphQL  bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8001,
		MaxRequestSize: 1 << 20,
		EnableLogging:  true,
		EnableGraphQL:  false,
	}
}

// Server wraps a participant.Participant behind an HTTP API.
type Server struct {
	p       *participant.Participant
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

// New builds a Server for p.
func New(cfg Config, p *participant.Participant) *Server {
	s := &Server{p: p, cfg: cfg, router: chi.NewRouter()}

	s.setupMiddleware()
	s.setupRoutes()
	if cfg.EnableGraphQL {
		if err := s.setupGraphQL(); err != nil {
			fmt.Printf("⚠️  [%s] GraphQL admin API disabled: %v\n", p.ID(), err)
		}
	}

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	if s.cfg.EnableLogging {
		s.router.Use(middleware.Logger)
	}
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)
			next.ServeHTTP(w, r)
		})
	})
	s.router.Use(middleware.Timeout(30 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Post("/prepare", s.handlePrepare)
	s.router.Post("/can_commit", s.handleCanCommit)
	s.router.Post("/precommit", s.handlePrecommit)
	s.router.Post("/commit", s.handleCommit)
	s.router.Post("/abort", s.handleAbort)
	s.router.Get("/status", s.handleStatus)
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
	})
}

type voteRequest struct {
	TxID string        `json:"txid"`
	Op   txn.Operation `json:"op"`
}

type txidRequest struct {
	TxID string `json:"txid"`
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil || req.TxID == "" || req.Op == (txn.Operation{}) {
		writeError(w, http.StatusBadRequest, "malformed_request", "txid and op are required")
		return
	}
	vote, err := s.p.Prepare(txn.ID(req.TxID), req.Op)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "durability_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"vote": vote})
}

func (s *Server) handleCanCommit(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil || req.TxID == "" || req.Op == (txn.Operation{}) {
		writeError(w, http.StatusBadRequest, "malformed_request", "txid and op are required")
		return
	}
	vote, err := s.p.CanCommit(txn.ID(req.TxID), req.Op)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "durability_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"vote": vote})
}

func (s *Server) handlePrecommit(w http.ResponseWriter, r *http.Request) {
	s.handleTerminalAwareTransition(w, r, s.p.Precommit)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	s.handleTerminalAwareTransition(w, r, s.p.Commit)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.handleTerminalAwareTransition(w, r, s.p.Abort)
}

func (s *Server) handleTerminalAwareTransition(w http.ResponseWriter, r *http.Request, fn func(txn.ID) error) {
	var req txidRequest
	if err := decodeJSON(r, &req); err != nil || req.TxID == "" {
		writeError(w, http.StatusBadRequest, "malformed_request", "txid is required")
		return
	}

	err := fn(txn.ID(req.TxID))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	case errors.Is(err, participant.ErrUnknownTransaction):
		writeError(w, http.StatusBadRequest, "unknown_transaction", err.Error())
	case errors.Is(err, participant.ErrTerminalStateViolation):
		// Logged anomaly per spec §9; still acknowledged so a stray
		// retry from the coordinator doesn't loop forever.
		fmt.Printf("⚠️  [%s] %s: %v\n", s.p.ID(), req.TxID, err)
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	default:
		writeError(w, http.StatusInternalServerError, "durability_failure", err.Error())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node": s.p.ID(),
		"kv":   s.p.SnapshotKV(),
		"tx":   txRecordsToDTO(s.p.SnapshotTx()),
	})
}

func txRecordsToDTO(recs map[txn.ID]participant.Record) map[string]interface{} {
	out := make(map[string]interface{}, len(recs))
	for id, rec := range recs {
		out[string(id)] = map[string]interface{}{
			"state": rec.State,
			"op":    rec.Op,
			"ts":    rec.TS,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]interface{}{
		"ok":      false,
		"error":   errType,
		"message": message,
		"code":    status,
	})
}

// Start runs the HTTP server until it errors or an interrupt/SIGTERM is
// received, then shuts down gracefully.
func (s *Server) Start() error {
	fmt.Printf("🚀 [%s] participant listening on %s\n", s.p.ID(), s.httpSrv.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("participant server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		fmt.Printf("⚠️  [%s] received signal: %v\n", s.p.ID(), sig)
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("participant shutdown: %w", err)
	}
	fmt.Printf("✅ [%s] participant shutdown complete\n", s.p.ID())
	return nil
}

// Router exposes the underlying chi.Mux, e.g. so tests can serve requests
// without starting a listener. The optional GraphQL admin API is mounted
// by New itself when cfg.EnableGraphQL is set.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) setupGraphQL() error {
	provider := func() map[string]interface{} {
		return txRecordsToDTO(s.p.SnapshotTx())
	}
	handler, err := adminapi.NewHandler(s.p.ID(), provider)
	if err != nil {
		return err
	}
	s.router.Post("/graphql", handler.ServeHTTP)
	s.router.Get("/graphiql", adminapi.GraphiQLHandler())
	fmt.Printf("✅ [%s] GraphQL admin API enabled at /graphql (playground: /graphiql)\n", s.p.ID())
	return nil
}
