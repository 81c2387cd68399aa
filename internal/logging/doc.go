// Package logging builds the slog loggers used across ferry and provides
// shared attribute helpers so components log with consistent field names.
package logging
