package models

import "time"

// User is a portal account. Email is the login name.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Don't expose in JSON
	CreatedAt    time.Time `json:"created_at"`
}

// Session is the decoded content of a session token. It only lives in the
// client's cookie; the server keeps no session table.
type Session struct {
	ID        string    `json:"jti"`
	UserID    string    `json:"uid"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
