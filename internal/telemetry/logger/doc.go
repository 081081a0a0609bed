// Package logger provides structured logging for lockmesh.
//
// It configures log/slog handlers:
//
//   - logger.go: handler construction and the dynamic level
//   - context.go: request and recovery session ids carried in contexts
//
// Components receive a *slog.Logger; the level is shared through a
// slog.LevelVar so it can be changed at runtime (config reload).
package logger
