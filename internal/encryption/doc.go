// Package encryption provides authenticated encryption for OAuth token
// material at rest.
//
// Tokens are sealed with AES-256-GCM under a single 32-byte key. The key is
// supplied once at startup, either base64 or hex encoded, and normalized by
// ParseKey. An Encryptor holds no mutable state and is safe for concurrent use.
//
// Any failure to open a ciphertext (wrong key, tampering, truncation) is
// reported as a *DecryptionError. Partial plaintext is never returned.
package encryption
