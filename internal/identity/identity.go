// Package identity resolves external listing references to internal property
// ids.
//
// A reference is tried in this order: used as-is when it already has the
// internal id shape, looked up under each known mapping field in Priority
// order, and finally coerced when it is a 24-digit hex object id. Anything
// else is unresolved and must be reported, never guessed.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Field names a column under which an external id may have been mapped.
type Field string

const (
	FieldChannelListingID Field = "channel_listing_id"
	FieldLegacyListingID  Field = "legacy_listing_id"
	FieldPropertyCode     Field = "property_code"
)

// Priority is the fixed lookup order of mapping fields. The first match wins.
var Priority = []Field{FieldChannelListingID, FieldLegacyListingID, FieldPropertyCode}

// Method says how a reference was resolved.
type Method string

const (
	MethodInternal Method = "internal"
	MethodMapping  Method = "mapping"
	MethodCoerced  Method = "coerced"
)

// Resolution is a resolved reference.
type Resolution struct {
	PropertyID string
	Ref        string
	Method     Method
	// Field is set when Method is MethodMapping.
	Field Field
}

// UnresolvedError is returned when no candidate resolves.
type UnresolvedError struct {
	Candidates []string
}

func (e *UnresolvedError) Error() string {
	if len(e.Candidates) == 0 {
		return "no listing reference on record"
	}
	return fmt.Sprintf("no property for listing reference(s) %s", strings.Join(e.Candidates, ", "))
}

// Lookup reads the mapping table. It returns "" when there is no mapping.
type Lookup interface {
	Lookup(ctx context.Context, orgID, field, externalID string) (string, error)
}

// Resolver creates per-run resolution contexts.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a resolver over a mapping table.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// NewRun starts a resolution context for one sync run of one organization.
func (r *Resolver) NewRun(orgID string) *Run {
	return NewRun(r.lookup, orgID)
}

// Run caches resolutions for the lifetime of one sync run. A Run is not safe
// for concurrent use; runs never share a cache.
type Run struct {
	lookup Lookup
	orgID  string
	cache  map[string]*Resolution
}

// NewRun creates a resolution context.
func NewRun(lookup Lookup, orgID string) *Run {
	return &Run{
		lookup: lookup,
		orgID:  orgID,
		cache:  make(map[string]*Resolution),
	}
}

// OrganizationID is the organization the run resolves for.
func (r *Run) OrganizationID() string { return r.orgID }

// Resolve returns the property for the first resolvable candidate.
// Candidates are given in the record's field priority order. Coercion is only
// attempted once no candidate has an internal id or a mapping.
func (r *Run) Resolve(ctx context.Context, candidates []string) (Resolution, error) {
	refs := cleanCandidates(candidates)

	for _, ref := range refs {
		res, err := r.resolveOne(ctx, ref)
		if err != nil {
			return Resolution{}, err
		}
		if res != nil {
			return *res, nil
		}
	}

	for _, ref := range refs {
		if id, ok := Coerce(ref); ok {
			return Resolution{PropertyID: id, Ref: ref, Method: MethodCoerced}, nil
		}
	}

	return Resolution{}, &UnresolvedError{Candidates: refs}
}

func (r *Run) resolveOne(ctx context.Context, ref string) (*Resolution, error) {
	if res, ok := r.cache[ref]; ok {
		return res, nil
	}

	var res *Resolution
	if IsInternalID(ref) {
		res = &Resolution{PropertyID: strings.ToLower(ref), Ref: ref, Method: MethodInternal}
	} else {
		for _, field := range Priority {
			propertyID, err := r.lookup.Lookup(ctx, r.orgID, string(field), ref)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", ref, err)
			}
			if propertyID != "" {
				res = &Resolution{PropertyID: propertyID, Ref: ref, Method: MethodMapping, Field: field}
				break
			}
		}
	}

	r.cache[ref] = res
	return res, nil
}

func cleanCandidates(candidates []string) []string {
	seen := make(map[string]bool, len(candidates))
	refs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		refs = append(refs, c)
	}
	return refs
}

// IsInternalID reports whether ref has the canonical hyphenated UUID shape.
func IsInternalID(ref string) bool {
	if len(ref) != 36 {
		return false
	}
	_, err := uuid.Parse(ref)
	return err == nil
}
