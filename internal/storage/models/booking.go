package models

import "time"

// Booking source-type markers written by the booking import flow.
const (
	SourceTypeBooked      = "booked"
	SourceTypeReserved    = "reserved"
	SourceTypeBlocked     = "blocked"
	SourceTypeMaintenance = "maintenance"
)

// MisclassifiedSourceTypes are markers of booking rows that really describe
// blocked periods.
var MisclassifiedSourceTypes = []string{SourceTypeBlocked, SourceTypeMaintenance}

// Booking is a reservation row owned by the booking flow. Sync only reads and
// deletes these.
type Booking struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	PropertyID     string    `json:"propertyId"`
	CheckIn        string    `json:"checkIn"`
	CheckOut       string    `json:"checkOut"`
	GuestName      string    `json:"guestName,omitempty"`
	ExternalID     string    `json:"externalId,omitempty"`
	Source         string    `json:"source"`
	SourceType     string    `json:"sourceType"`
	CreatedAt      time.Time `json:"createdAt"`
}

// IsMisclassified reports whether the row's marker says it is a block.
func (b *Booking) IsMisclassified() bool {
	for _, t := range MisclassifiedSourceTypes {
		if b.SourceType == t {
			return true
		}
	}
	return false
}
