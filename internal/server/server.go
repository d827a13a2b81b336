// Package server provides the broker's HTTP ingress and admin server.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/broker"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/federation"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/handler"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/health"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/middleware"
)

// Deps are the wired components the server exposes over HTTP.
type Deps struct {
	Broker      *broker.Broker
	HealthCheck *health.HealthCheck
	Federation  *federation.Router // nil when federation is disabled
	CreateRealm handler.RealmFactory
}

// Server is the broker's HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	queries    *handler.QueryHandler
	admin      *handler.AdminHandler
	stream     *handler.StreamHandler
	forward    *handler.FederationHandler
	health     *health.HealthCheck
	logger     *zap.Logger
	cfg        config.Config
}

// NewServer creates the HTTP server and its handlers.
func NewServer(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	var fedView handler.FederationView
	if deps.Federation != nil {
		fedView = deps.Federation
	}

	s := &Server{
		router:  router,
		queries: handler.NewQueryHandler(deps.Broker, logger),
		admin:   handler.NewAdminHandler(deps.Broker.Realms(), fedView, deps.CreateRealm, logger),
		stream:  handler.NewStreamHandler(deps.Broker, logger),
		forward: handler.NewFederationHandler(deps.Broker, logger),
		health:  deps.HealthCheck,
		logger:  logger,
		cfg:     cfg,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS([]string{"*"}),
	}

	if s.cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimit.RequestsPerSecond,
			s.cfg.RateLimit.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.health.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Query lifecycle
	v1.HandleFunc("/queries", s.queries.Submit).Methods(http.MethodPost)
	v1.HandleFunc("/queries/{id}", s.queries.Get).Methods(http.MethodGet)
	v1.HandleFunc("/queries/{id}", s.queries.Cancel).Methods(http.MethodDelete)

	// Bidirectional stream
	v1.HandleFunc("/stream", s.stream.Serve).Methods(http.MethodGet)

	// Admin surface
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/realms", s.admin.ListRealms).Methods(http.MethodGet)
	admin.HandleFunc("/realms", s.admin.CreateRealm).Methods(http.MethodPost)
	admin.HandleFunc("/realms/{name}", s.admin.GetRealm).Methods(http.MethodGet)
	admin.HandleFunc("/workers", s.admin.RegisterWorker).Methods(http.MethodPost)
	admin.HandleFunc("/workers/{address}", s.admin.DeregisterWorker).Methods(http.MethodDelete)
	admin.HandleFunc("/federation/peers", s.admin.FederationPeers).Methods(http.MethodGet)

	// Peer-to-peer forwarding
	s.router.HandleFunc(federation.ForwardPath, s.forward.Forward).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":"error","error_code":"NOT_FOUND","message":"endpoint not found"}`))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"status":"error","error_code":"METHOD_NOT_ALLOWED","message":"method not allowed"}`))
	})
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
