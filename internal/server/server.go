package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/tandem/internal/api/v1"
	"github.com/gosuda/tandem/internal/api/ws"
	"github.com/gosuda/tandem/internal/config"
	"github.com/gosuda/tandem/internal/server/middleware"
)

// Sessions is the session surface the HTTP and websocket routes need.
// *session.Registry satisfies this interface.
type Sessions interface {
	v1.SessionService
	ws.SessionChecker
}

// Option configures a Server.
type Option func(*Server)

// WithDegradedCheck reports remote event delivery health on /healthz.
func WithDegradedCheck(fn func() bool) Option {
	return func(s *Server) {
		s.degraded = fn
	}
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	sessions   Sessions
	degraded   func() bool
}

// New creates a Server with all routes wired. ctx bounds background work
// owned by the middleware stack.
func New(ctx context.Context, cfg *config.Config, sessions Sessions, arb v1.EditArbiter, events ws.Source, opts ...Option) *Server {
	router := chi.NewRouter()

	s := &Server{
		router:   router,
		sessions: sessions,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	router.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.RateLimit > 0 {
			r.Use(middleware.RateLimitByIP(ctx, cfg.Server.RateLimit, cfg.Server.RateBurst))
		}

		apiConfig := huma.DefaultConfig("Tandem API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, sessions, arb)
	})

	router.Route("/ws", func(r chi.Router) {
		registerWSRoutes(r, ws.NewHub(events, sessions, originHosts(cfg.Server.CORSOrigins)))
	})

	router.Get("/healthz", s.healthz)

	return s
}

// originHosts converts CORS origins into websocket origin patterns, which
// match on host only.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			log.Warn().Str("origin", o).Msg("server.originHosts: ignoring malformed origin")
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// healthz stays 200 while degraded: local clients still work.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Sessions: len(s.sessions.List())}
	if s.degraded != nil && s.degraded() {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debug().Err(err).Msg("server.Server.healthz: write response")
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("server.Server.Start: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
