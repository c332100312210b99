package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dockhand-io/dockhand/internal/agentmanager"
	"github.com/dockhand-io/dockhand/internal/command"
	"github.com/dockhand-io/dockhand/internal/repositories"
	"github.com/dockhand-io/dockhand/internal/rotation"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Logger *zap.Logger

	// AdminToken guards /api/v1. Empty disables the admin API.
	AdminToken string

	Agents   repositories.AgentRepository
	Codes    repositories.RegistrationCodeRepository
	Registry *agentmanager.Manager
	Rotation *rotation.Engine
	Commands *command.Router

	// AgentWS serves the agent WebSocket endpoint. It performs its own
	// authentication handshake and is therefore mounted outside the admin
	// token gate.
	AgentWS http.Handler
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy. The connection
	// rate limiter keys on this address.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Unauthenticated surface ---
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws/agent", cfg.AgentWS)

	// --- Admin API ---
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Codes, cfg.Registry, cfg.Rotation, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Commands, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireToken(cfg.AdminToken))

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", agentHandler.List)
			r.Post("/", agentHandler.Create)
			r.Get("/{id}", agentHandler.Get)
			r.Delete("/{id}", agentHandler.Delete)
			r.Post("/{id}/code", agentHandler.IssueCode)
			r.Post("/{id}/rotate", agentHandler.Rotate)
			r.Put("/{id}/config", agentHandler.UpdateConfig)
		})

		r.Post("/servers/{server_id}/commands", commandHandler.Execute)
	})

	return r
}
