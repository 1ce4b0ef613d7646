// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rental-calendar-sync/backend/internal/api/handlers"
	"github.com/rental-calendar-sync/backend/internal/api/middleware"
	"github.com/rental-calendar-sync/backend/internal/config"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/websocket"
)

// Scheduler runs unattended syncs and can be asked to run one now.
type Scheduler interface {
	handlers.NextRunner
	handlers.OrganizationSyncer
}

// Services are the dependencies of the HTTP API. A nil Scheduler disables
// POST /api/sync.
type Services struct {
	DB        *storage.DB
	Orgs      *storage.OrganizationRepository
	Feeds     *storage.FeedRepository
	Issues    *storage.IssueRepository
	Periods   *storage.BlockedPeriodRepository
	Imports   handlers.BlockImporter
	ICal      handlers.ICalSyncer
	Breakers  handlers.BreakerStates
	Scheduler Scheduler
	Hub       *websocket.Hub
	Events    handlers.IssueNotifier
}

// NewRouter creates the HTTP handler with all API routes.
func NewRouter(cfg config.ServerConfig, svc Services) http.Handler {
	r := mux.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", handlers.HealthCheck(svc.DB)).Methods("GET")

	// Everything else acts for one organization.
	org := api.NewRoute().Subrouter()
	org.Use(middleware.RequireOrganization)

	status := handlers.StatusDeps{
		DB:       svc.DB,
		Feeds:    svc.Feeds,
		Issues:   svc.Issues,
		Periods:  svc.Periods,
		Breakers: svc.Breakers,
		Hub:      svc.Hub,
	}
	if svc.Scheduler != nil {
		status.Scheduler = svc.Scheduler
	}
	org.HandleFunc("/status", handlers.Status(status)).Methods("GET")

	org.HandleFunc("/ws", handlers.WebSocketUpgrade(svc.Hub, handlers.NewUpgrader(cfg.CORSOrigins))).Methods("GET")

	// Sync triggers start remote fetches and are limited per organization.
	triggers := org.NewRoute().Subrouter()
	triggers.Use(triggerLimit(cfg))
	triggers.HandleFunc("/import/blocks", handlers.ImportBlocks(svc.Imports)).Methods("POST")
	triggers.HandleFunc("/ical/sync", handlers.SyncICal(svc.ICal)).Methods("POST")
	if svc.Scheduler != nil {
		triggers.HandleFunc("/sync", handlers.TriggerSync(svc.Orgs, svc.Scheduler)).Methods("POST")
	}

	org.HandleFunc("/import/issues", handlers.ListIssues(svc.Issues)).Methods("GET")
	org.HandleFunc("/import/issues/{id}/resolve", handlers.ResolveIssue(svc.Issues, svc.Events)).Methods("POST")

	org.HandleFunc("/feeds", handlers.ListFeeds(svc.Feeds)).Methods("GET")
	org.HandleFunc("/feeds", handlers.CreateFeed(svc.Feeds)).Methods("POST")
	org.HandleFunc("/feeds/{id}", handlers.GetFeed(svc.Feeds)).Methods("GET")
	org.HandleFunc("/feeds/{id}", handlers.UpdateFeed(svc.Feeds)).Methods("PUT")
	org.HandleFunc("/feeds/{id}", handlers.DeleteFeed(svc.Feeds)).Methods("DELETE")

	org.HandleFunc("/settings/channel", handlers.GetChannelSettings(svc.Orgs, svc.Breakers)).Methods("GET")
	org.HandleFunc("/settings/channel", handlers.UpdateChannelSettings(svc.Orgs)).Methods("PUT")

	return corsHandler(cfg.CORSOrigins)(r)
}

// corsHandler lets the product frontend call the API from another origin.
// It wraps the router so preflight requests never reach method matching.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.OrganizationHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	})
}

func triggerLimit(cfg config.ServerConfig) mux.MiddlewareFunc {
	if cfg.TriggerRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.TriggerRateWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		cfg.TriggerRateLimit,
		window,
		httprate.WithKeyFuncs(middleware.OrganizationKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			middleware.WriteError(w, http.StatusTooManyRequests, middleware.ErrRateLimited, "Too many sync requests for this organization")
		}),
	)
}
