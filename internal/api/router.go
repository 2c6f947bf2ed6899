package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opsgate/opsgate/internal/api/handlers"
	"github.com/opsgate/opsgate/internal/api/middleware"
)

// NewRouter assembles the middleware chain and mounts every API surface.
func NewRouter(h *handlers.Handlers, auth *middleware.APIKeyAuth) http.Handler {
	r := chi.NewRouter()

	// Global middleware. CORS sits ahead of auth so preflight requests
	// are answered without a key.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Actor", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)
	r.Use(middleware.Telemetry)

	// Public probes
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)

	// Command surface
	r.Post("/command", h.Command)
	r.Post("/chat", h.Chat)
	r.Get("/commands", h.ListCommands)

	// Journal
	r.Route("/operations", func(r chi.Router) {
		r.Get("/", h.ListOperations)
		r.Route("/{operationId}", func(r chi.Router) {
			r.Get("/", h.GetOperation)
			r.Post("/approve", h.ApproveOperation)
		})
	})

	// MCP Gateway — JSON-RPC tool endpoint
	r.Post("/mcp", h.MCPEndpoint)

	return r
}
