// Package deviceflow runs the device-authorization grant: a headless CLI
// obtains a token pair via a separate browser-side approval.
package deviceflow

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/grants"
)

// Status of a device-code record. Expiry is not a stored transition; it is
// computed from the clock at read time.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusDenied     Status = "denied"
)

// DeviceCode is the persisted state of one grant attempt. Once authorized it
// carries the principal and a permission snapshot taken at approval time;
// the snapshot is deliberately not re-resolved at exchange.
type DeviceCode struct {
	DeviceCode  string         `json:"device_code"`
	UserCode    string         `json:"user_code"`
	ClientID    string         `json:"client_id"`
	Status      Status         `json:"status"`
	ExpiresAt   int64          `json:"expires_at"`
	Interval    int            `json:"interval"`
	UserID      string         `json:"user_id,omitempty"`
	UserEmail   string         `json:"user_email,omitempty"`
	Permissions []grants.Grant `json:"permissions,omitempty"`
}

// Expired reports whether the record has aged out, regardless of status.
func (d *DeviceCode) Expired(now time.Time) bool {
	return now.Unix() >= d.ExpiresAt
}

const (
	deviceCodeByteLength = 48
	userCodeLength       = 8

	// No vowels (avoids spelling words), no ambiguous glyphs (0/O, 1/I/L).
	userCodeAlphabet = "BCDFGHJKMNPQRSTVWXZ23456789"
)

func newUserCode() (string, error) {
	code := make([]byte, userCodeLength)
	max := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "[newUserCode] rand.Int")
		}
		code[i] = userCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// NormalizeUserCode maps human input (case, dashes, spaces) onto the stored
// code shape.
func NormalizeUserCode(input string) string {
	normalized := strings.ToUpper(strings.TrimSpace(input))
	normalized = strings.ReplaceAll(normalized, "-", "")
	return strings.ReplaceAll(normalized, " ", "")
}

// DisplayUserCode formats a stored code for humans: ABCD-EFGH.
func DisplayUserCode(code string) string {
	if len(code) != userCodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}
