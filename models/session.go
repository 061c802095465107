package models

import "time"

// DeviceInfo describes where a session was opened from. All fields are
// optional.
type DeviceInfo struct {
	DeviceID   *string `json:"device_id,omitempty" db:"device_id"`
	DeviceType *string `json:"device_type,omitempty" db:"device_type"`
	DeviceName *string `json:"device_name,omitempty" db:"device_name"`
	IPAddress  *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  *string `json:"user_agent,omitempty" db:"user_agent"`
}

// Session is one login on one device. Each login creates a new session with
// its own credential and expiry.
//
// The raw credential is never stored: TokenHash is its SHA-256. The cbor tag
// keeps the hash in the cached copy while json hides it from API responses.
type Session struct {
	ID        string `json:"id" db:"id"`
	UserID    string `json:"user_id" db:"user_id"`
	TokenHash string `json:"-" db:"token_hash" cbor:"token_hash"`
	DeviceInfo
	// LiveHandle is set only while a realtime connection is attached.
	LiveHandle     *string   `json:"live_handle,omitempty" db:"live_handle"`
	Active         bool      `json:"active" db:"active"`
	LastActivityAt time.Time `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
}

// Usable reports whether the session may authenticate or receive pushes.
func (s *Session) Usable(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// Online reports whether a realtime connection is attached.
func (s *Session) Online() bool {
	return s.LiveHandle != nil && *s.LiveHandle != ""
}

// SessionView is the API representation of a session, flagging the one the
// request was made with.
type SessionView struct {
	Session
	Current bool `json:"current"`
}
