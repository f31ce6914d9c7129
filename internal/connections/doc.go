// Package connections manages the lifecycle of stored mailbox connections:
// listing them, checking whether they still work and disconnecting them.
package connections
