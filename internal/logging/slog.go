package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation  = "operation"
	KeyComponent  = "component"
	KeyConnection = "connection_id"
	KeyUserHash   = "user_hash"
	KeyAccount    = "account_hash"
	KeyState      = "state_hash"
	KeyDuration   = "duration"
	KeyStatus     = "status"
	KeyError      = "error"
	KeyTool       = "tool"
	KeyAttempt    = "attempt"
)

// Status values for consistent logging.
// Note: These are intentionally duplicated from instrumentation package
// to avoid circular dependencies (instrumentation imports logging).
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return OrDefault(logger).With(slog.String(KeyOperation, operation))
}

// WithComponent returns a logger with the component attribute set.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return OrDefault(logger).With(slog.String(KeyComponent, component))
}

// WithTool returns a logger with the tool attribute set.
func WithTool(logger *slog.Logger, tool string) *slog.Logger {
	return OrDefault(logger).With(slog.String(KeyTool, tool))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// ConnectionID returns a slog attribute for a connection id.
// Connection ids are opaque UUIDs and safe to log as-is.
func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnection, id)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from output.
//
// Usage:
//
//	logger.Info("operation", logging.Err(err))  // Safe even if err is nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// Hash returns a short, stable digest of value prefixed with kind.
// It allows correlation of log entries without exposing the value.
func Hash(kind, value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return kind + ":" + hex.EncodeToString(sum[:8])
}

// AnonymizeEmail returns a hashed representation of an email for logging purposes.
func AnonymizeEmail(email string) string {
	return Hash("user", strings.ToLower(strings.TrimSpace(email)))
}

// UserHash returns a slog attribute with the anonymized external user id.
//
// Usage:
//
//	logger.Info("authorization started", logging.UserHash(externalUserID))
func UserHash(externalUserID string) slog.Attr {
	return slog.String(KeyUserHash, Hash("user", externalUserID))
}

// AccountHash returns a slog attribute with the anonymized mailbox address.
func AccountHash(address string) slog.Attr {
	return slog.String(KeyAccount, AnonymizeEmail(address))
}

// StateHash returns a slog attribute identifying an authorization state
// without revealing the bearer value.
func StateHash(stateToken string) slog.Attr {
	return slog.String(KeyState, Hash("state", stateToken))
}

// SanitizeToken returns a masked version of a token for logging.
// It returns a length indicator without exposing any token content,
// as even partial token prefixes can aid attacks.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}

// ExtractDomain extracts the domain part from an email address.
// This is useful for lower-cardinality logging where the full email would
// create too many unique values.
func ExtractDomain(email string) string {
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// Domain returns a slog attribute for the email domain (lower cardinality than full email).
func Domain(email string) slog.Attr {
	return slog.String("account_domain", ExtractDomain(email))
}
