/*
Package log provides structured logging for the orchestrator via zerolog.

A single process-wide Logger is configured once with Init; every other
package asks for a child logger scoped to its component or to a specific
run via WithComponent/WithRunID rather than writing to the global Logger
directly, so every line carries enough context to filter by.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	runLog := log.WithRunID(run.ID)
	runLog.Info().Str("template", run.TemplateName).Msg("run started")
*/
package log
