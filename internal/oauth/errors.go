package oauth

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of authorization failure kinds.
type ErrorCode string

const (
	// CodeInvalidState: the state token is unknown or was already used.
	CodeInvalidState ErrorCode = "invalid_state"

	// CodeStateExpired: the state token outlived its TTL.
	CodeStateExpired ErrorCode = "state_expired"

	// CodeOAuthFailed: the provider rejected the exchange or identity lookup.
	CodeOAuthFailed ErrorCode = "oauth_failed"
)

// Sentinels for errors.Is matching against *AuthError.
var (
	ErrInvalidState = &AuthError{Code: CodeInvalidState}
	ErrStateExpired = &AuthError{Code: CodeStateExpired}
	ErrOAuthFailed  = &AuthError{Code: CodeOAuthFailed}
)

// AuthError reports a failed authorization. The flow must restart from
// BeginAuthorization.
type AuthError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func newAuthError(code ErrorCode, msg string, err error) *AuthError {
	return &AuthError{Code: code, Message: msg, Err: err}
}

func (e *AuthError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches any *AuthError with the same Code.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Code == e.Code
}

// AsAuthError extracts an *AuthError from err.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	ok := errors.As(err, &ae)
	return ae, ok
}
