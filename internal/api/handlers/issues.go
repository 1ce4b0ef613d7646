package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rental-calendar-sync/backend/internal/api/middleware"
	"github.com/rental-calendar-sync/backend/internal/logging"
	"github.com/rental-calendar-sync/backend/internal/storage"
	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

const (
	defaultIssueLimit = 50
	maxIssueLimit     = 200
)

// IssueNotifier is told when an operator resolves an issue.
type IssueNotifier interface {
	IssueResolved(orgID string, issue *models.UnresolvedIssue)
}

// IssueListResponse is one page of unresolved issues.
type IssueListResponse struct {
	Issues []models.UnresolvedIssue `json:"issues"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// ListIssues returns the organization's unresolved issues, most recent first.
// Query parameters: status=open|resolved|all (default open), limit, offset.
func ListIssues(issues *storage.IssueRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		status := q.Get("status")
		switch status {
		case "":
			status = models.IssueStatusOpen
		case models.IssueStatusOpen, models.IssueStatusResolved, "all":
		default:
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "status must be one of open, resolved, all")
			return
		}

		limit, ok := intParam(q.Get("limit"), defaultIssueLimit)
		if !ok || limit < 1 {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "limit must be a positive integer")
			return
		}
		if limit > maxIssueLimit {
			limit = maxIssueLimit
		}
		offset, ok := intParam(q.Get("offset"), 0)
		if !ok || offset < 0 {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "offset must be a non-negative integer")
			return
		}

		list, total, err := issues.List(r.Context(), storage.IssueQuery{
			OrganizationID: middleware.Organization(r.Context()),
			Status:         status,
			Limit:          limit,
			Offset:         offset,
		})
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to list issues")
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query issues")
			return
		}
		if list == nil {
			list = []models.UnresolvedIssue{}
		}

		writeJSON(w, http.StatusOK, IssueListResponse{
			Issues: list,
			Total:  total,
			Limit:  limit,
			Offset: offset,
		})
	}
}

// ResolveIssue marks an issue resolved. A later run that hits the same
// problem reopens it.
func ResolveIssue(issues *storage.IssueRepository, notifier IssueNotifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		orgID := middleware.Organization(r.Context())

		if err := issues.Resolve(r.Context(), orgID, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Issue not found")
				return
			}
			logging.Ctx(r.Context()).Error().Err(err).Str("issue_id", id).Msg("Failed to resolve issue")
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to resolve issue")
			return
		}

		issue, err := issues.GetByID(r.Context(), orgID, id)
		if err != nil || issue == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load issue")
			return
		}

		if notifier != nil {
			notifier.IssueResolved(orgID, issue)
		}

		writeJSON(w, http.StatusOK, issue)
	}
}

func intParam(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
