package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/events"
	"github.com/markus-barta/fleetplane/internal/metrics"
	"github.com/markus-barta/fleetplane/internal/output"
	"github.com/markus-barta/fleetplane/internal/registry"
	"github.com/markus-barta/fleetplane/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Server is the orchestrator HTTP server.
type Server struct {
	cfg          *config.OrchestratorConfig
	log          zerolog.Logger
	hub          *Hub
	store        *store.Store
	bus          *events.Bus
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	agentAuth    *TokenVerifier
	operatorAuth *TokenVerifier
	upgrader     websocket.Upgrader
	router       *chi.Mux
}

// Deps are the collaborators a Server is built from.
type Deps struct {
	Store    *store.Store
	Bus      *events.Bus
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
}

// New creates the orchestrator server. The hub is not running until Run.
func New(cfg *config.OrchestratorConfig, log zerolog.Logger, deps Deps) *Server {
	m := metrics.New(deps.Registry)
	reg := registry.New(registry.WithSnapshotTTL(cfg.SnapshotTTL))
	tracker := output.NewTracker(cfg.OutputEntries, cfg.OutputTTL)

	s := &Server{
		cfg:          cfg,
		log:          log.With().Str("component", "server").Logger(),
		hub:          NewHub(log, reg, deps.Store, tracker, deps.Bus, m),
		store:        deps.Store,
		bus:          deps.Bus,
		metrics:      m,
		gatherer:     deps.Gatherer,
		agentAuth:    NewTokenVerifier(cfg.AgentTokenHash),
		operatorAuth: NewTokenVerifier(cfg.OperatorTokenHash()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Agent endpoints authenticate with the agent token
	r.Get("/ws/agent", s.handleAgentWebSocket)
	r.Post("/api/agent/heartbeat", s.handleHeartbeat)

	// Operator API
	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)

		r.Get("/api/nodes", s.handleListNodes)
		r.Get("/api/nodes/{nodeID}", s.handleGetNode)
		r.Post("/api/nodes/{nodeID}/commands", s.handleSubmitCommand)
		r.Get("/api/nodes/{nodeID}/commands", s.handleNodeCommands)
		r.Get("/api/commands/{commandID}", s.handleGetCommand)
		r.Post("/api/commands/{commandID}/cancel", s.handleCancelCommand)
		r.Get("/api/events", s.handleEvents)
	})

	s.router = r
}

// requireOperator checks the operator bearer token.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.operatorAuth.Authenticate(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting orchestrator server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
