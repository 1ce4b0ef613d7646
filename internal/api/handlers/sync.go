package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/rental-calendar-sync/backend/internal/api/middleware"
	"github.com/rental-calendar-sync/backend/internal/calendar"
	"github.com/rental-calendar-sync/backend/internal/importer"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// BlockImporter runs a block import for an organization.
type BlockImporter interface {
	Run(ctx context.Context, orgID string, req importer.Request) (*models.ImportResult, error)
}

// ICalSyncer runs an iCal sync for an organization.
type ICalSyncer interface {
	Sync(ctx context.Context, orgID string, req calendar.Request) (*models.ICalSyncResult, error)
}

// ImportBlocks triggers a paginated block import from the channel API. A run
// that failed remotely still answers 200 with success=false, its stats and
// the cursor to resume from.
func ImportBlocks(imports BlockImporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importer.Request
		if !decodeBody(w, r, &req, false) {
			return
		}

		orgID := middleware.Organization(r.Context())
		result, err := imports.Run(r.Context(), orgID, req)
		if err != nil {
			switch {
			case writeValidation(w, err):
			case errors.Is(err, importer.ErrInvalidWindow):
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			case errors.Is(err, importer.ErrOrganizationNotFound):
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Organization not found")
			case errors.Is(err, importer.ErrMissingCredentials):
				middleware.WriteError(w, http.StatusConflict, middleware.ErrMissingCredentials, "Channel API credentials are not configured")
			default:
				logging.Ctx(r.Context()).Error().Err(err).Str("organization_id", orgID).Msg("Block import failed")
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Block import failed")
			}
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

// SyncICal triggers a sync of the organization's listing feeds. Every field
// of the body is optional, and so is the body itself.
func SyncICal(syncer ICalSyncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req calendar.Request
		if !decodeBody(w, r, &req, true) {
			return
		}

		orgID := middleware.Organization(r.Context())
		result, err := syncer.Sync(r.Context(), orgID, req)
		if err != nil {
			switch {
			case writeValidation(w, err):
			case errors.Is(err, calendar.ErrInvalidWindow):
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			default:
				logging.Ctx(r.Context()).Error().Err(err).Str("organization_id", orgID).Msg("iCal sync failed")
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "iCal sync failed")
			}
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

// OrganizationSyncer runs the full scheduled sync of one organization.
// TriggerOrganization reports false when a sync is already in progress.
type OrganizationSyncer interface {
	TriggerOrganization(org models.Organization) bool
}

// TriggerResponse acknowledges a background sync.
type TriggerResponse struct {
	Status         string `json:"status"`
	OrganizationID string `json:"organizationId"`
}

// TriggerSync starts the organization's scheduled sync (iCal feeds, then
// chained block imports) in the background and answers 202. Results arrive
// over the WebSocket.
func TriggerSync(orgs *storage.OrganizationRepository, syncer OrganizationSyncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID := middleware.Organization(r.Context())
		org, err := orgs.GetByID(r.Context(), orgID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query organization")
			return
		}
		if org == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Organization not found")
			return
		}
		if !syncer.TriggerOrganization(*org) {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "A sync is already running for this organization")
			return
		}
		writeJSON(w, http.StatusAccepted, TriggerResponse{Status: "accepted", OrganizationID: orgID})
	}
}
