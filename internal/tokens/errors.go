package tokens

import (
	"errors"
	"fmt"
)

// Kind classifies a TokenError.
type Kind string

const (
	// KindNeedsReauth: the connection is inactive or its grant is gone. Only
	// a new authorization can fix it.
	KindNeedsReauth Kind = "needs_reauth"

	// KindRefreshFailed: the refresh could not complete this time. The
	// connection stays active.
	KindRefreshFailed Kind = "refresh_failed"
)

// Retryable reports whether a later attempt can succeed without the user.
func (k Kind) Retryable() bool {
	return k == KindRefreshFailed
}

// Sentinels for errors.Is matching against *TokenError.
var (
	ErrNeedsReauth   = &TokenError{Kind: KindNeedsReauth}
	ErrRefreshFailed = &TokenError{Kind: KindRefreshFailed}
)

// ErrWaitTimeout is returned to a caller whose context ended while it was
// waiting for a refresh. The refresh itself keeps running.
var ErrWaitTimeout = errors.New("timed out waiting for token refresh")

// TokenError reports why no valid access token could be produced.
type TokenError struct {
	Kind         Kind
	ConnectionID string
	Reason       string
	Err          error
}

func newTokenError(kind Kind, connectionID, reason string, err error) *TokenError {
	return &TokenError{Kind: kind, ConnectionID: connectionID, Reason: reason, Err: err}
}

func (e *TokenError) Error() string {
	msg := fmt.Sprintf("connection %s: %s", e.ConnectionID, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Is matches any *TokenError of the same Kind.
func (e *TokenError) Is(target error) bool {
	t, ok := target.(*TokenError)
	return ok && t.Kind == e.Kind
}

// AsTokenError extracts a *TokenError from err.
func AsTokenError(err error) (*TokenError, bool) {
	var te *TokenError
	ok := errors.As(err, &te)
	return te, ok
}

// NeedsReauth reports whether err means the user has to authorize again.
func NeedsReauth(err error) bool {
	return errors.Is(err, ErrNeedsReauth)
}
