// Package api is the intake HTTP server: authorization submission with
// idempotency and a fast-path poll, plus the status endpoint.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tably/payments/internal/config"
	"github.com/tably/payments/internal/coordinator"
	"github.com/tably/payments/internal/middleware"
)

// Creator starts new auth requests. Implemented by *coordinator.Coordinator.
type Creator interface {
	RecordCreated(ctx context.Context, req coordinator.NewRequest) error
}

// Server wires the intake routes.
type Server struct {
	db      *sql.DB
	cfg     *config.Config
	creator Creator
	logger  *log.Logger
}

func NewServer(db *sql.DB, cfg *config.Config, creator Creator) *Server {
	return &Server{
		db:      db,
		cfg:     cfg,
		creator: creator,
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the mux router with middleware attached.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging(routeName))
	limiter := middleware.NewRateLimiter(s.cfg.Intake.RateLimitPerMinute)
	r.Use(limiter.Middleware)

	r.HandleFunc("/v1/authorize", s.handleAuthorize).Methods("POST")
	r.HandleFunc("/v1/authorize/{id}/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start blocks serving HTTP until the listener fails or srv is shut down.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Server.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("🚀 intake API listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("intake server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
