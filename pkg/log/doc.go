// Package log provides structured, leveled logging for courier services.
//
// Loggers are constructed explicitly and passed by dependency injection;
// there is no process-global logger. Fields are attached with typed helpers:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel))
//	logger = logger.With(log.Component("dispatch"))
//	logger.Info("attempt finished", log.Str("id", msgID.String()), log.Int("attempts", n))
//
// RedirectStdLog routes standard-library log output (Pebble uses it) through
// the same formatter and outputs via a log/slog bridge.
package log
