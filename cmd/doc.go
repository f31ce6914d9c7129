// Package cmd implements the command-line interface for mailboxauth.
//
// This package provides the following commands:
//   - serve: Start the OAuth callback, connection API and MCP server
//   - connections: List, check, refresh and disconnect stored connections
//   - states purge: Delete expired authorization states
//   - keygen: Generate a token encryption key
//   - generate-docs: Generate markdown documentation for all MCP tools
//   - version: Display version information
//
// Settings come from MAILBOXAUTH_* environment variables (and an optional
// .env file). Flags override them when set explicitly.
package cmd
