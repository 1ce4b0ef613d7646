// Package models contains the domain models for the application.
package models

import (
	"time"
)

// ListingFeed is a per-listing iCal subscription exported by a channel.
type ListingFeed struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	// PropertyRef is either an internal property id or any external listing
	// reference understood by the identity resolver.
	PropertyRef string     `json:"propertyRef"`
	Platform    string     `json:"platform"`
	URL         string     `json:"url"`
	Enabled     bool       `json:"enabled"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
	SyncStatus  string     `json:"syncStatus"`
	SyncError   *string    `json:"syncError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// SyncStatus constants
const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// Feed platforms
const (
	PlatformAirbnb  = "airbnb"
	PlatformBooking = "booking"
	PlatformVrbo    = "vrbo"
	PlatformOther   = "other"
)

// CalendarEvent is a VEVENT as read from a feed. Start and End keep the raw
// DTSTART/DTEND values; End is empty when the event had no DTEND.
type CalendarEvent struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	RRule       string `json:"rrule,omitempty"`
	// ExDates are raw EXDATE values excluded from RRule.
	ExDates []string `json:"exdates,omitempty"`
}
