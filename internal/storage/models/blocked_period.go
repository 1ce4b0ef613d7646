package models

import "time"

// BlockType is the only type a blocked period carries.
const BlockType = "block"

// Blocked period subtypes.
const (
	SubtypeSimple      = "simple"
	SubtypeMaintenance = "maintenance"
	SubtypeReservation = "reservation"
)

// Where a blocked period came from.
const (
	SourceChannelAPI = "channel_api"
	SourceICal       = "ical"
	SourceMigration  = "migration"
)

// BlockedPeriod is a range during which a property is unavailable.
// EndDate is exclusive; both dates are YYYY-MM-DD.
type BlockedPeriod struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	PropertyID     string    `json:"propertyId"`
	StartDate      string    `json:"startDate"`
	EndDate        string    `json:"endDate"`
	Nights         int       `json:"nights"`
	Type           string    `json:"type"`
	Subtype        string    `json:"subtype"`
	Reason         string    `json:"reason"`
	Notes          *string   `json:"notes,omitempty"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	CreatedBy      string    `json:"createdBy"`
}

// DedupKey identifies at most one blocked period.
type DedupKey struct {
	OrganizationID string
	PropertyID     string
	StartDate      string
	EndDate        string
	Subtype        string
}

// Key returns the period's dedup key.
func (p *BlockedPeriod) Key() DedupKey {
	return DedupKey{
		OrganizationID: p.OrganizationID,
		PropertyID:     p.PropertyID,
		StartDate:      p.StartDate,
		EndDate:        p.EndDate,
		Subtype:        p.Subtype,
	}
}
