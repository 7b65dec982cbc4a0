// Package sessions issues and validates the browser session records behind
// the SSO front door's cookie. Session payloads are sealed through the same
// codec as token claims, bound to the session's own lookup hash.
package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Session is the decrypted payload of one browser session. Unlike device
// grants, sessions carry no permission snapshot: every request re-resolves
// the principal's current group membership.
type Session struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	SSOGroups   []string `json:"sso_groups,omitempty"`
	MFAVerified bool     `json:"mfa_verified,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	ExpiresAt   int64    `json:"expires_at"`
}

// Hash is the storage key for a raw session id: hex-encoded SHA-256.
func Hash(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])
}

// Expired reports whether the session has aged out.
func (s *Session) Expired(now time.Time) bool {
	return now.Unix() >= s.ExpiresAt
}
