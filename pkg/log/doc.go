/*
Package log provides structured logging for Hutch using zerolog.

The package wraps zerolog behind a small API: Init configures the global
Logger (level, JSON or console output, destination writer), and the With*
helpers derive child loggers scoped to a component, station, object, or
task. Process logging is separate from per-object self-logs, which are
domain artifacts owned by the selflog package.

Typical use:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("replicate")
	logger.Info().Str("peer", peer.StationID).Msg("replication queued")
*/
package log
