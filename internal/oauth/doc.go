// Package oauth runs the authorization-code flow that creates mailbox
// connections.
//
// BeginAuthorization issues a single-use state token and a PKCE
// verifier/challenge pair, persists them and returns the provider consent
// URL. CompleteAuthorization consumes the state exactly once, exchanges the
// code with the stored verifier, resolves the account identity and upserts
// the encrypted connection.
//
// A state token that is unknown, already consumed or expired never reaches
// the provider.
package oauth
