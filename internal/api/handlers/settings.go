package handlers

import (
	"errors"
	"net/http"

	"github.com/rental-calendar-sync/backend/internal/api/middleware"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/validation"
)

// BreakerStates reports channel API circuit states by organization.
type BreakerStates interface {
	States() map[string]string
}

// ChannelSettingsResponse describes an organization's channel connection.
// The API secret is never returned.
type ChannelSettingsResponse struct {
	BaseURL      string `json:"baseUrl"`
	APIKey       string `json:"apiKey"`
	HasSecret    bool   `json:"hasSecret"`
	AutoSync     bool   `json:"autoSync"`
	CircuitState string `json:"circuitState,omitempty"`
}

// ChannelSettingsRequest updates the channel connection. Omitting apiSecret
// keeps the stored one.
type ChannelSettingsRequest struct {
	BaseURL   string  `json:"baseUrl" validate:"omitempty,http_url"`
	APIKey    string  `json:"apiKey" validate:"max=256"`
	APISecret *string `json:"apiSecret,omitempty" validate:"omitempty,max=256"`
	AutoSync  bool    `json:"autoSync"`
}

// GetChannelSettings returns the organization's channel settings.
func GetChannelSettings(orgs *storage.OrganizationRepository, breakers BreakerStates) http.HandlerFunc {
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

		response := ChannelSettingsResponse{
			BaseURL:   org.ChannelBaseURL,
			APIKey:    org.ChannelAPIKey,
			HasSecret: org.ChannelAPISecret != "",
			AutoSync:  org.AutoSync,
		}
		if breakers != nil {
			response.CircuitState = breakers.States()[orgID]
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// UpdateChannelSettings stores the organization's channel settings.
func UpdateChannelSettings(orgs *storage.OrganizationRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChannelSettingsRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if err := validation.ValidateStruct(req); err != nil {
			writeValidation(w, err)
			return
		}

		ctx := r.Context()
		orgID := middleware.Organization(ctx)
		err := orgs.UpdateChannelSettings(ctx, orgID, storage.ChannelSettings{
			BaseURL:   req.BaseURL,
			APIKey:    req.APIKey,
			APISecret: req.APISecret,
			AutoSync:  req.AutoSync,
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Organization not found")
				return
			}
			logging.Ctx(ctx).Error().Err(err).Str("organization_id", orgID).Msg("Failed to update channel settings")
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update settings")
			return
		}

		org, err := orgs.GetByID(ctx, orgID)
		if err != nil || org == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query organization")
			return
		}
		writeJSON(w, http.StatusOK, ChannelSettingsResponse{
			BaseURL:   org.ChannelBaseURL,
			APIKey:    org.ChannelAPIKey,
			HasSecret: org.ChannelAPISecret != "",
			AutoSync:  org.AutoSync,
		})
	}
}
