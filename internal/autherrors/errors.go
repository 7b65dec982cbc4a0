package autherrors

import (
	"errors"
	"fmt"
)

// Outward-facing error taxonomy for the authorization core.
var (
	// ErrUnauthorized means no credential was presented, or the presented
	// credential could not be validated. Maps to HTTP 401. Internal detail
	// (expired vs not-found vs decryption failure) is deliberately collapsed
	// into this single value before it reaches a caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means a valid credential with an insufficient grant. Maps
	// to HTTP 403.
	ErrForbidden = errors.New("forbidden")

	// ErrMFARequired means a grant matched but carries require_mfa and the
	// caller's credential has not completed MFA. Maps to HTTP 403 with a
	// distinguishing error code so clients can prompt for MFA.
	ErrMFARequired = errors.New("mfa_required")

	// ErrInvalidToken is the generic invalid-credential result inside the
	// token and session paths.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNotFound is returned by repositories when a record is absent.
	ErrNotFound = errors.New("not found")
)

// DeviceFlowError carries the machine-readable `error` string defined by the
// OAuth 2.0 device-authorization convention (RFC 8628 §3.5).
type DeviceFlowError struct {
	Code string
}

func (e *DeviceFlowError) Error() string {
	return fmt.Sprintf("device flow: %s", e.Code)
}

// The three terminal polling outcomes plus the keep-polling signal.
var (
	ErrAuthorizationPending = &DeviceFlowError{Code: "authorization_pending"}
	ErrExpiredToken         = &DeviceFlowError{Code: "expired_token"}
	ErrAccessDenied         = &DeviceFlowError{Code: "access_denied"}
	ErrInvalidGrant         = &DeviceFlowError{Code: "invalid_grant"}
)

// DeviceFlowCode extracts the OAuth error string from err, if it is (or
// wraps) a DeviceFlowError.
func DeviceFlowCode(err error) (string, bool) {
	var dfe *DeviceFlowError
	if errors.As(err, &dfe) {
		return dfe.Code, true
	}
	return "", false
}
