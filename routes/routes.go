package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/mcp-acp/app"
	"github.com/upb/mcp-acp/handlers"
	"github.com/upb/mcp-acp/middleware"
)

// adminTimeout bounds admin API requests. /mcp is exempt since a request may
// wait for human approval.
const adminTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Admin.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.SessionHeader},
		ExposedHeaders:   []string{"X-Request-ID", handlers.SessionHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	health := handlers.NewHealthHandler(db, deps.Policy, deps.Logger)
	mcp := handlers.NewMCPHandler(deps.Arbiter, deps.Sessions, deps.Verifier, deps.Logger)
	approvals := handlers.NewApprovalHandler(deps.Approvals, deps.Logger)
	policies := handlers.NewPolicyHandler(deps.Policy, deps.Config.Policy.File, deps.Logger)
	auditLogs := handlers.NewAuditHandler(deps.AuditLogs, deps.Logger)
	admin := middleware.NewAdminAuth(deps.Config.Admin.Token, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	// MCP transport
	r.Post("/mcp", mcp.HandlePost)
	r.Delete("/mcp", mcp.HandleDelete)

	// Admin API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(admin.RequireAdmin)
		r.Use(chimw.Timeout(adminTimeout))

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", approvals.HandleList)
			r.Post("/{ticketID}/approve", approvals.HandleApprove)
			r.Post("/{ticketID}/deny", approvals.HandleDeny)
		})

		r.Route("/policy", func(r chi.Router) {
			r.Get("/", policies.HandleGet)
			r.Put("/", policies.HandleUpdate)
			r.Post("/reload", policies.HandleReload)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", auditLogs.HandleList)
			r.Get("/{recordID}", auditLogs.HandleGet)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
