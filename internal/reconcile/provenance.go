package reconcile

import (
	"github.com/goccy/go-json"
)

// Provenance is stored in a blocked period's notes so an operator can trace
// where it came from.
type Provenance struct {
	Source            string `json:"source"`
	ReservationID     string `json:"reservationId,omitempty"`
	UID               string `json:"uid,omitempty"`
	BookingID         string `json:"bookingId,omitempty"`
	Platform          string `json:"platform,omitempty"`
	ExternalListingID string `json:"externalListingId,omitempty"`
	Type              string `json:"type,omitempty"`
	Note              string `json:"note,omitempty"`
}

// Notes encodes p for the notes column.
func (p Provenance) Notes() *string {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

// ParseProvenance decodes notes written by Notes.
func ParseProvenance(notes *string) (Provenance, bool) {
	var p Provenance
	if notes == nil {
		return p, false
	}
	if err := json.Unmarshal([]byte(*notes), &p); err != nil {
		return p, false
	}
	return p, true
}
