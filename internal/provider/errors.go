package provider

import (
	"errors"
	"fmt"
)

// Outcome sentinels. Every *Error matches exactly one of them with errors.Is.
var (
	// ErrInvalidGrant means the refresh token or code was revoked, expired or
	// already used. Retrying cannot succeed.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrTransient covers network failures, timeouts, 429 and 5xx responses.
	ErrTransient = errors.New("transient provider failure")

	// ErrRejected is any other definitive refusal (bad client credentials,
	// malformed request, missing expires_in).
	ErrRejected = errors.New("provider rejected request")
)

// Error is a classified provider failure.
type Error struct {
	// Op is the provider operation, e.g. "refresh" or "exchange".
	Op string

	// Kind is one of ErrInvalidGrant, ErrTransient or ErrRejected.
	Kind error

	// Code is the OAuth error code from the response body, if any.
	Code string

	// Status is the HTTP status, or 0 when no response was received.
	Status int

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsInvalidGrant reports whether err means the grant is permanently unusable.
func IsInvalidGrant(err error) bool {
	return errors.Is(err, ErrInvalidGrant)
}
