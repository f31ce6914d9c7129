// Package google implements provider.Provider for Google accounts.
//
// Code exchange and token refresh go through golang.org/x/oauth2 against
// Google's token endpoint. The mailbox identity is read from the Gmail API
// profile of the authenticated user, and revocation posts to Google's revoke
// endpoint. Every endpoint can be overridden so tests can point the client
// at an httptest server.
package google
