// Package storage defines the persistence contract for users, mailbox
// connections and one-time authorization states.
//
// Two backends implement Repository: an embedded single-writer SQLite store
// (package sqlite) and a networked PostgreSQL store (package postgres). Both
// are verified by the shared conformance suite in package storagetest, which
// pins down the atomicity guarantees callers rely on:
//
//   - UpdateConnectionTokens is a single-statement write; readers never see a
//     new access token paired with an old expiry or vice versa
//   - ConsumeAuthorizationState is a conditional delete; among any number of
//     concurrent callers for one state token exactly one receives the state
//   - CreateOrUpdateConnection upserts on (user id, account address)
//
// Token columns hold ciphertext produced by package encryption. This package
// never sees plaintext tokens.
package storage
