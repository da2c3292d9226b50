package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/observability"
	"github.com/luciuslab/concierge/pkg/dispatch"
	"github.com/luciuslab/concierge/pkg/lifecycle"
	"github.com/luciuslab/concierge/pkg/registry"
)

const agentRequestSchema = `{
	"type": "object",
	"required": ["query"],
	"additionalProperties": false,
	"properties": {
		"query": {"type": "string", "minLength": 1, "maxLength": 16000},
		"serviceHints": {
			"type": "array",
			"maxItems": 8,
			"items": {"type": "string", "minLength": 1, "maxLength": 64}
		}
	}
}`

// Server is the HTTP boundary: it binds browser identities to session
// keys, forwards agent queries to the dispatcher, and drives the
// authorization flows.
type Server struct {
	cfg        config.ServerConfig
	authCfg    config.AuthConfig
	dispatcher *dispatch.Dispatcher
	controller *lifecycle.Controller
	sessions   *registry.Registry
	logger     zerolog.Logger

	server      *http.Server
	upgrader    websocket.Upgrader
	agentSchema *gojsonschema.Schema

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server construction dependencies.
type Config struct {
	Server     config.ServerConfig
	Auth       config.AuthConfig
	Dispatcher *dispatch.Dispatcher
	Controller *lifecycle.Controller
	Sessions   *registry.Registry
	Logger     zerolog.Logger
}

// NewServer creates the HTTP server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Server.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("lifecycle controller is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(agentRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}

	return &Server{
		cfg:         cfg.Server,
		authCfg:     cfg.Auth,
		dispatcher:  cfg.Dispatcher,
		controller:  cfg.Controller,
		sessions:    cfg.Sessions,
		logger:      cfg.Logger,
		agentSchema: schema,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}, nil
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", s.handleAgent)
	mux.HandleFunc("/auth/", s.handleAuthRoutes)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/ws/authorizations", s.handleAuthorizationStream)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start begins serving. It does not block.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("host", s.cfg.Host).Int("port", s.cfg.Port).Msg("Starting HTTP server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server, waiting for in-flight requests.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down HTTP server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// shuttingDown reports whether new requests should be refused.
func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}
