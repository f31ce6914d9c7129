// Package tokens hands out valid access tokens for stored mailbox
// connections and refreshes them when they are about to expire.
//
// At most one provider refresh is in flight per connection. Callers that
// arrive while a refresh runs wait for its result instead of starting their
// own, and a caller giving up does not cancel the refresh for the others.
// New tokens are persisted before any waiter sees them.
package tokens
