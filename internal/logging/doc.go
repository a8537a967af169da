// Package logging holds the slog conventions used across cloudidian:
// shared attribute keys, PII-safe helpers and logger constructors.
//
// Tokens are never logged; use SanitizeToken. Emails go through UserHash.
package logging
