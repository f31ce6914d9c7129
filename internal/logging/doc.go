// Package logging provides structured logging utilities for mailboxauth.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithOperation(slog.Default(), "tokens.refresh")
//	logger.Info("refreshed access token",
//	    logging.ConnectionID(conn.ID),
//	    logging.Status(logging.StatusSuccess))
//
// Sanitize sensitive data before logging:
//
//	logger.Info("authorization completed",
//	    logging.AccountHash(conn.AccountAddress),
//	    logging.StateHash(stateToken))
//
// # Security Considerations
//
//   - Mailbox addresses, external user ids and state tokens are hashed
//   - Access and refresh tokens are never logged; use SanitizeToken when a
//     length hint is useful
package logging
