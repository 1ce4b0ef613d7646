package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rental-calendar-sync/backend/internal/api/middleware"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
	"github.com/rental-calendar-sync/backend/internal/validation"
)

// FeedRequest is the body of feed create and update calls.
type FeedRequest struct {
	PropertyRef string `json:"propertyRef" validate:"required,max=128"`
	Platform    string `json:"platform" validate:"omitempty,oneof=airbnb booking vrbo other"`
	URL         string `json:"url" validate:"required,http_url"`
	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
}

func (req FeedRequest) apply(feed *models.ListingFeed) {
	feed.PropertyRef = req.PropertyRef
	feed.Platform = req.Platform
	if feed.Platform == "" {
		feed.Platform = models.PlatformOther
	}
	feed.URL = req.URL
	feed.Enabled = req.Enabled == nil || *req.Enabled
}

// ListFeeds returns all listing feeds of the organization.
func ListFeeds(feeds *storage.FeedRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := feeds.List(r.Context(), middleware.Organization(r.Context()))
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to list feeds")
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feeds")
			return
		}
		if list == nil {
			list = []models.ListingFeed{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// CreateFeed subscribes a listing to an iCal feed.
func CreateFeed(feeds *storage.FeedRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if err := validation.ValidateStruct(req); err != nil {
			writeValidation(w, err)
			return
		}

		feed := &models.ListingFeed{OrganizationID: middleware.Organization(r.Context())}
		req.apply(feed)
		if err := feeds.Create(r.Context(), feed); err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to create feed")
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create feed")
			return
		}

		writeJSON(w, http.StatusCreated, feed)
	}
}

// GetFeed returns a single feed by ID.
func GetFeed(feeds *storage.FeedRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feed, err := feeds.GetByID(r.Context(), middleware.Organization(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feed")
			return
		}
		if feed == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Feed not found")
			return
		}
		writeJSON(w, http.StatusOK, feed)
	}
}

// UpdateFeed replaces a feed's property reference, platform, URL and
// enabled flag.
func UpdateFeed(feeds *storage.FeedRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if err := validation.ValidateStruct(req); err != nil {
			writeValidation(w, err)
			return
		}

		ctx := r.Context()
		feed, err := feeds.GetByID(ctx, middleware.Organization(ctx), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query feed")
			return
		}
		if feed == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Feed not found")
			return
		}

		req.apply(feed)
		if err := feeds.Update(ctx, feed); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("feed_id", feed.ID).Msg("Failed to update feed")
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update feed")
			return
		}

		writeJSON(w, http.StatusOK, feed)
	}
}

// DeleteFeed removes a feed. Blocked periods it produced are kept.
func DeleteFeed(feeds *storage.FeedRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := feeds.Delete(r.Context(), middleware.Organization(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Feed not found")
				return
			}
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to delete feed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
