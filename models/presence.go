package models

import "time"

// Presence is derived from sessions: a user is online while any usable
// session has a live connection, on any server process.
type Presence struct {
	UserID       string     `json:"user_id"`
	Online       bool       `json:"online"`
	Devices      int        `json:"devices"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}
