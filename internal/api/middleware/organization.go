package middleware

import (
	"context"
	"net/http"
	"strings"
)

// OrganizationHeader names the organization a request acts for. Browsers
// cannot set headers on WebSocket upgrades, so OrganizationQueryParam is
// accepted as well.
const (
	OrganizationHeader     = "X-Organization-ID"
	OrganizationQueryParam = "organizationId"
)

type orgKey struct{}

// OrganizationFromRequest extracts the organization id from the header or
// the query string.
func OrganizationFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(OrganizationHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(OrganizationQueryParam))
}

// RequireOrganization rejects requests that do not name an organization and
// stores the id in the request context.
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := OrganizationFromRequest(r)
		if orgID == "" {
			WriteError(w, http.StatusBadRequest, ErrMissingOrg, OrganizationHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, orgID)))
	})
}

// Organization returns the organization stored by RequireOrganization.
func Organization(ctx context.Context) string {
	id, _ := ctx.Value(orgKey{}).(string)
	return id
}

// OrganizationKey is an httprate key function limiting per organization.
func OrganizationKey(r *http.Request) (string, error) {
	if id := Organization(r.Context()); id != "" {
		return id, nil
	}
	return OrganizationFromRequest(r), nil
}
