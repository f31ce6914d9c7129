package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by every Repository implementation.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrStateNotFound      = errors.New("authorization state not found")
	ErrStateExpired       = errors.New("authorization state expired")
	ErrStateExists        = errors.New("authorization state already exists")
)

// StorageError wraps a backend failure that is not one of the sentinel
// outcomes above. It is surfaced to callers unchanged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns err wrapped in a *StorageError for op. Nil and sentinel
// errors pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil || IsSentinel(err) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsSentinel reports whether err is one of the package's sentinel outcomes.
func IsSentinel(err error) bool {
	for _, s := range []error{
		ErrUserNotFound, ErrUserExists, ErrConnectionNotFound,
		ErrStateNotFound, ErrStateExpired, ErrStateExists,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
