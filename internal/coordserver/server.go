// Package coordserver is the coordinator's HTTP surface (spec §6): POST
// /tx/start and GET /status, routed with chi exactly as the teacher's
// database server routes its own endpoints.
package coordserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mnohosten/txcommit/internal/adminapi"
	"github.com/mnohosten/txcommit/internal/coordinator"
	"github.com/mnohosten/txcommit/pkg/txn"
)

// Config holds coordinator HTTP server settings.
type Config struct {
	Host           string
	Port           int
	MaxRequestSize int64
	EnableLogging  bool
	EnableGraphQL  bool
}

// DefaultConfig returns sensible defaults, matching the teacher's
// pkg/server/config.go texture.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8000,
		MaxRequestSize: 1 << 20, // 1MB: requests here are tiny JSON envelopes
		EnableLogging:  true,
		EnableGraphQL:  false,
	}
}

// Server wraps a coordinator.Coordinator behind an HTTP API.
type Server struct {
	id      string
	cfg     Config
	coord   *coordinator.Coordinator
	router  *chi.Mux
	httpSrv *http.Server
	feed    *decisionFeed
}

// New builds a Server for coord, identified by id in its log lines.
func New(id string, cfg Config, coord *coordinator.Coordinator) *Server {
	s := &Server{
		id:     id,
		cfg:    cfg,
		coord:  coord,
		router: chi.NewRouter(),
		feed:   newDecisionFeed(),
	}

	coord.OnDecision(s.feed.publish)

	s.setupMiddleware()
	s.setupRoutes()
	if cfg.EnableGraphQL {
		if err := s.setupGraphQL(); err != nil {
			fmt.Printf("⚠️  [%s] GraphQL admin API disabled: %v\n", id, err)
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
	s.router.Post("/tx/start", s.handleStart)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/_ws/watch", s.feed.handleWebSocket)
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
	})
}

type startRequest struct {
	TxID     string          `json:"txid"`
	Op       json.RawMessage `json:"op"`
	Protocol string          `json:"protocol"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	if req.TxID == "" {
		writeError(w, http.StatusBadRequest, "malformed_request", "txid is required")
		return
	}
	if len(req.Op) == 0 {
		writeError(w, http.StatusBadRequest, "malformed_request", "op is required")
		return
	}

	var op txn.Operation
	if err := json.Unmarshal(req.Op, &op); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "op must be a JSON object")
		return
	}

	protocol, err := txn.ParseProtocol(req.Protocol)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}

	rec, err := s.coord.Start(r.Context(), txn.ID(req.TxID), op, protocol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"txid":     rec.TxID,
		"decision": rec.Decision,
		"votes":    rec.Votes,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tx": recordsToDTO(s.coord.SnapshotAll()),
	})
}

func recordsToDTO(recs map[txn.ID]coordinator.Record) map[string]interface{} {
	out := make(map[string]interface{}, len(recs))
	for id, rec := range recs {
		out[string(id)] = map[string]interface{}{
			"txid":         rec.TxID,
			"protocol":     rec.Protocol,
			"decision":     rec.Decision,
			"votes":        rec.Votes,
			"state":        rec.State,
			"participants": rec.Participants,
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
	fmt.Printf("🚀 [%s] coordinator listening on %s\n", s.id, s.httpSrv.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("coordinator server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		fmt.Printf("⚠️  [%s] received signal: %v\n", s.id, sig)
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the HTTP server and the decision feed.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.feed.close()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("coordinator shutdown: %w", err)
	}
	fmt.Printf("✅ [%s] coordinator shutdown complete\n", s.id)
	return nil
}

// Router exposes the underlying chi.Mux, e.g. so tests can serve requests
// without starting a listener. The optional GraphQL admin API is mounted
// by New itself when cfg.EnableGraphQL is set.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) setupGraphQL() error {
	provider := func() map[string]interface{} {
		return recordsToDTO(s.coord.SnapshotAll())
	}
	handler, err := adminapi.NewHandler(s.id, provider)
	if err != nil {
		return err
	}
	s.router.Post("/graphql", handler.ServeHTTP)
	s.router.Get("/graphiql", adminapi.GraphiQLHandler())
	fmt.Printf("✅ [%s] GraphQL admin API enabled at /graphql (playground: /graphiql)\n", s.id)
	return nil
}
