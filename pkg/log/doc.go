/*
Package log provides structured logging for FATE using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("finder")                  │          │
	│  │  - WithTxID("USER:5f2b...")                 │          │
	│  │  - WithOwnerID("owner-abc123")              │          │
	│  │  - WithStep("create-table.populate")        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "finder",                   │          │
	│  │    "time": "2026-07-01T10:30:00Z",         │          │
	│  │    "message": "runnable scan started"       │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF runnable scan started component=finder │  │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages; acceptable step failures land here
  - Warn: Warnings (unexpected step failures, pool saturation, dead owners)
  - Error: Operation failures that need investigation
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Tag with the owning component (store, reservation,
    finder, pool, supervisor, executor)
  - WithTxID: Tag with a transaction id
  - WithOwnerID: Tag with the executor process owner id
  - WithStep: Tag with a step's diagnostic name

# Usage

Initializing the Logger:

	import "github.com/meatballspaghetti/fate/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Structured Logging:

	log.Logger.Info().
		Str("tx_id", id.String()).
		Str("op", "CREATE_TABLE").
		Msg("transaction seeded")

	log.Logger.Warn().
		Err(err).
		Str("owner_id", ownerID).
		Msg("cleared reservation held by dead owner")

Component Loggers:

	finderLog := log.WithComponent("finder")
	finderLog.Info().Msg("starting runnable scan loop")

	workerLog := log.WithComponent("pool").
		With().Int("worker_id", 3).Logger()
	workerLog.Info().Str("tx_id", id.String()).Msg("reserved transaction")

# Best Practices

 1. Initialize once, at process startup, before any component starts.
 2. Use WithComponent for every long-running goroutine's logger.
 3. Attach tx_id to every message about a specific transaction.
 4. Acceptable step failures log at info; they are expected business
    outcomes, not operational problems.
 5. Prefer structured fields over formatting values into the message.
*/
package log
