package models

import "time"

// Issue kinds.
const (
	IssueUnresolvedIdentity  = "unresolved_identity"
	IssueInvalidPeriod       = "invalid_period"
	IssueOverlappingPeriod   = "overlapping_period"
	IssueInvalidMigrationRow = "invalid_migration_row"
)

// Issue statuses.
const (
	IssueStatusOpen     = "open"
	IssueStatusResolved = "resolved"
)

// UnresolvedIssue is a record sync could not process, kept for an operator.
// Fingerprint collapses repeats of the same problem into one row.
type UnresolvedIssue struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Kind           string     `json:"kind"`
	Source         string     `json:"source"`
	ExternalID     string     `json:"externalId,omitempty"`
	Candidates     []string   `json:"candidates"`
	StartDate      *string    `json:"startDate,omitempty"`
	EndDate        *string    `json:"endDate,omitempty"`
	Message        string     `json:"message"`
	Status         string     `json:"status"`
	Fingerprint    string     `json:"fingerprint"`
	Occurrences    int        `json:"occurrences"`
	FirstSeenAt    time.Time  `json:"firstSeenAt"`
	LastSeenAt     time.Time  `json:"lastSeenAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}
