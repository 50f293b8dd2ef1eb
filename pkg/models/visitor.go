package models

import "time"

// Visitor is a site visitor with whatever contact and environment data the
// widget has collected. All fields except ID are optional.
type Visitor struct {
	ID        string    `json:"id"`
	WebsiteID string    `json:"website_id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	City      string    `json:"city,omitempty"`
	Country   string    `json:"country,omitempty"`
	Language  string    `json:"language,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	Browser   string    `json:"browser,omitempty"`
	Device    string    `json:"device,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}
