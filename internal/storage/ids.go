package storage

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new random identifier for users, connections and states.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current time truncated to the millisecond precision every
// backend can store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
