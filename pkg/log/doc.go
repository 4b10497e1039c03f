/*
Package log provides structured logging for the story-indexer using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, per-component level
overrides, and helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Per-component overrides (from the --log-override CLI flag):

	log.SetOverrides([]string{"scoreboard=debug", "mq=warn"})

Component loggers:

	fetchLog := log.WithComponent("fetcher")
	fetchLog.Info().Str("url", finalURL).Int("status", code).Msg("fetched")

# Integration Points

This package integrates with:

  - pkg/worker: per-worker child loggers for the broker and processing loops
  - pkg/fetcher: final-URL structured log lines
  - pkg/scoreboard: lock-timeout diagnostic dumps
  - pkg/archive: per-archive and per-upload log lines
  - cmd/story-indexer: level and override flags
*/
package log
