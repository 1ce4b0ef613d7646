package models

import "time"

// Organization carries the channel API credentials used by block import.
type Organization struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ChannelBaseURL   string    `json:"channelBaseUrl"`
	ChannelAPIKey    string    `json:"channelApiKey"`
	ChannelAPISecret string    `json:"-"`
	AutoSync         bool      `json:"autoSync"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// HasChannelCredentials reports whether block import can authenticate.
func (o *Organization) HasChannelCredentials() bool {
	return o.ChannelAPIKey != "" && o.ChannelAPISecret != ""
}
