// Package users stores the dashboard's local user records. Identity proofing
// happens upstream (the SSO front door hands this core a verified email);
// this package only tracks the record referenced by sessions and grants.
package users

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Groups    []string  `json:"groups,omitempty"` // local group ids, distinct from SSO groups
	Disabled  bool      `json:"disabled,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login,omitempty"`
}

// New builds a user record for a first-seen email.
func New(email string, now time.Time) *User {
	return &User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: now,
	}
}
