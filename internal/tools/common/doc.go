// Package common provides shared utilities for MCP tool implementations:
// argument parsing, JSON results and instrumented handlers.
package common
