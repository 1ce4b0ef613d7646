package channel

// Reservation is one record of the channel API's reservations listing. Block
// and maintenance entries share the shape of guest reservations.
type Reservation struct {
	ID string `json:"_id"`
	// ListingRef, ListingID and PropertyID are the places a listing reference
	// may appear, newest API first.
	ListingRef string `json:"_idlisting"`
	ListingID  string `json:"listingId"`
	PropertyID string `json:"propertyId"`
	Type       string `json:"type"`
	CheckIn    string `json:"checkIn"`
	CheckOut   string `json:"checkOut"`
	Status     string `json:"status,omitempty"`
	Title      string `json:"title,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// ListingCandidates returns the record's listing references in lookup order.
func (r *Reservation) ListingCandidates() []string {
	return []string{r.ListingRef, r.ListingID, r.PropertyID}
}

// ExternalListingID is the first non-empty listing reference.
func (r *Reservation) ExternalListingID() string {
	for _, c := range r.ListingCandidates() {
		if c != "" {
			return c
		}
	}
	return ""
}
