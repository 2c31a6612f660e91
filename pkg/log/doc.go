/*
Package log provides structured logging for Plancton built on zerolog.

A single global logger is initialized once at startup via Init and consumed
through component-scoped child loggers:

	logger := log.WithComponent("spawner")
	log.WithContainerID(logger, id).Info().Msg("Worker started")

Console output (human-readable, RFC3339 timestamps) is the default; JSON
output is available for log shippers.
*/
package log
