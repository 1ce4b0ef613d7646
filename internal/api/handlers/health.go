package handlers

import (
	"net/http"
	"time"

	"github.com/rental-calendar-sync/backend/internal/api/middleware"
	"github.com/rental-calendar-sync/backend/internal/storage"
	ws "github.com/rental-calendar-sync/backend/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.PingContext(r.Context()) == nil

		status := "healthy"
		code := http.StatusOK
		if !dbConnected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, HealthResponse{
			Status:      status,
			DBConnected: dbConnected,
		})
	}
}

// NextRunner reports when the scheduler fires next.
type NextRunner interface {
	NextRun() *time.Time
}

// StatusDeps are the sources of the status report. Nil members are skipped.
type StatusDeps struct {
	DB        *storage.DB
	Feeds     *storage.FeedRepository
	Issues    *storage.IssueRepository
	Periods   *storage.BlockedPeriodRepository
	Breakers  BreakerStates
	Hub       *ws.Hub
	Scheduler NextRunner
}

// StatusResponse represents the sync status of an organization.
type StatusResponse struct {
	OrganizationID   string                     `json:"organization_id"`
	FeedsCount       int                        `json:"feeds_count"`
	FeedsFailing     int                        `json:"feeds_failing"`
	BlockedPeriods   int                        `json:"blocked_periods"`
	OpenIssues       int                        `json:"open_issues"`
	CircuitState     string                     `json:"circuit_state,omitempty"`
	ConnectedClients int                        `json:"connected_clients"`
	NextSyncAt       *time.Time                 `json:"next_sync_at,omitempty"`
	Migrations       []storage.AppliedMigration `json:"migrations"`
}

// Status returns a handler that reports the organization's sync state.
func Status(deps StatusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orgID := middleware.Organization(ctx)
		response := StatusResponse{OrganizationID: orgID}

		if deps.Feeds != nil {
			feeds, err := deps.Feeds.List(ctx, orgID)
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feeds")
				return
			}
			response.FeedsCount = len(feeds)
			for _, f := range feeds {
				if f.SyncError != nil {
					response.FeedsFailing++
				}
			}
		}
		if deps.Periods != nil {
			n, err := deps.Periods.CountByOrganization(ctx, orgID)
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to count blocked periods")
				return
			}
			response.BlockedPeriods = n
		}
		if deps.Issues != nil {
			n, err := deps.Issues.CountOpen(ctx, orgID)
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to count issues")
				return
			}
			response.OpenIssues = n
		}
		if deps.Breakers != nil {
			response.CircuitState = deps.Breakers.States()[orgID]
		}
		if deps.Hub != nil {
			response.ConnectedClients = deps.Hub.ClientCount()
		}
		if deps.Scheduler != nil {
			response.NextSyncAt = deps.Scheduler.NextRun()
		}
		if deps.DB != nil {
			applied, err := storage.AppliedMigrations(ctx, deps.DB)
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query migrations")
				return
			}
			response.Migrations = applied
		}
		if response.Migrations == nil {
			response.Migrations = []storage.AppliedMigration{}
		}

		writeJSON(w, http.StatusOK, response)
	}
}
