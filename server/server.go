// Package server wires the supportd components and runs the HTTP server.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brokerly/supportd/admin"
	"github.com/brokerly/supportd/audit"
	"github.com/brokerly/supportd/auth"
	"github.com/brokerly/supportd/config"
	"github.com/brokerly/supportd/database"
	"github.com/brokerly/supportd/impersonation"
	"github.com/brokerly/supportd/middleware"
	"github.com/brokerly/supportd/policy"
	"github.com/brokerly/supportd/users"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server holds the wired service. All components are constructed once here
// and passed by reference; there are no package-level service singletons.
type Server struct {
	cfg        *config.Config
	db         *database.Database
	httpServer *http.Server
	taskClient *audit.TaskClient
	worker     *audit.Worker
}

// New constructs the full service from configuration.
func New(cfg *config.Config) (*Server, error) {
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	userStore := users.NewStore(db)
	auditStore := audit.NewStore(db)

	var taskClient *audit.TaskClient
	var worker *audit.Worker
	if cfg.Redis.Addr != "" {
		taskClient = audit.NewTaskClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		worker = audit.NewWorker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Worker.Concurrency, auditStore)
		log.Info().Str("redis_addr", cfg.Redis.Addr).Msg("Queued audit delivery enabled")
	}

	auditLogger := audit.NewLogger(auditStore, taskClient)
	evaluator := policy.NewEvaluator(cfg.Impersonation.HighValueThresholdCents)
	sessionStore := impersonation.NewStore(db)
	manager := impersonation.NewManager(sessionStore, userStore, evaluator, auditLogger, cfg.Impersonation.MaxSessionAge)
	reporter := impersonation.NewReporter(sessionStore, auditStore)

	cookieStore := sessions.NewCookieStore(
		[]byte(cfg.Session.AuthenticationKey),
		[]byte(cfg.Session.EncryptionKey),
	)
	cookieStore.MaxAge(int(cfg.Session.CookieExpiry.Seconds()))

	sessionMW := auth.NewSessionMiddleware(cookieStore, cfg.Session.CookieName, userStore)
	substitution := auth.NewSubstitution(manager, userStore, auditLogger, cfg.Impersonation.FailClosed)
	handlers := admin.NewHandlers(manager, reporter, auditStore)

	router := mux.NewRouter()
	router.Use(
		middleware.Recovery(),
		middleware.Logging(log.Logger),
		middleware.Metrics(),
		middleware.CORS(middleware.DefaultCORSConfig()),
	)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(
		mux.MiddlewareFunc(sessionMW.RequireAuth),
		mux.MiddlewareFunc(substitution.Middleware),
	)
	api.HandleFunc("/me", meHandler).Methods(http.MethodGet)

	imp := api.PathPrefix("/impersonation").Subrouter()
	imp.Use(mux.MiddlewareFunc(sessionMW.RequireAdmin))
	handlers.RegisterRoutes(imp)

	return &Server{
		cfg: cfg,
		db:  db,
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		taskClient: taskClient,
		worker:     worker,
	}, nil
}

// meHandler returns the effective identity of the caller, from the target
// user's perspective while impersonation is active.
func meHandler(w http.ResponseWriter, r *http.Request) {
	identity := auth.EffectiveIdentityFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(identity)
}

// Run starts the audit worker (if configured) and serves HTTP until the
// context is canceled.
func (s *Server) Run(ctx context.Context) error {
	if s.worker != nil {
		if err := s.worker.Start(); err != nil {
			return fmt.Errorf("starting audit worker: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen_addr", s.cfg.ListenAddr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	if s.worker != nil {
		s.worker.Shutdown()
	}
	if s.taskClient != nil {
		s.taskClient.Close()
	}

	return s.db.Close()
}
