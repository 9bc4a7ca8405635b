package httpserver

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetforge/controlplane/internal/agentclient"
	"github.com/fleetforge/controlplane/internal/config"
	"github.com/fleetforge/controlplane/internal/ratelimit"
	"github.com/fleetforge/controlplane/internal/store"
)

// Server holds the HTTP server dependencies and mounts the operator API.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
	DB     *pgxpool.Pool
	Store  *store.Store

	Config      *config.Config
	RateLimiter *ratelimit.Limiter
	AgentFor    func(hostID string) (*agentclient.Client, error)

	startedAt time.Time
}

// NewServer builds the router, wires global middleware, and mounts every
// operator-facing route.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, st *store.Store, metricsReg *prometheus.Registry, rl *ratelimit.Limiter, agentFor func(hostID string) (*agentclient.Client, error)) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Logger:      logger,
		DB:          db,
		Store:       st,
		Config:      cfg,
		RateLimiter: rl,
		AgentFor:    agentFor,
		startedAt:   time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		r.Post("/hosts/{host_id}/register", s.handleRegisterHost)
		r.Post("/hosts/{host_id}/heartbeat", s.handleHeartbeat)
		r.Post("/hosts/{host_id}/disable", s.handleSetHostEnabled(false))
		r.Post("/hosts/{host_id}/enable", s.handleSetHostEnabled(true))
		r.Get("/hosts", s.handleListHosts)

		r.Post("/vms/{vm_id}/status", s.handleVMStatus)

		r.Get("/leases", s.handleListLeases)
		r.Post("/leases/{lease_id}/terminate", s.handleTerminateLease)

		r.Get("/snapshot", s.handleSnapshot)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.Ping(r.Context()); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// bearerToken extracts the raw token from an "Authorization: Bearer <token>"
// header, returning "" if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

// clientIP returns the request's source IP, preferring the leftmost
// X-Forwarded-For entry (set by a trusted operator-side proxy) and falling
// back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
