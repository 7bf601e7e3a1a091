package logger

// Verbosity level constants for CLI flag counts.
const (
	VerbosityQuiet = 0 // No flags: warnings and errors only
	VerbosityInfo  = 1 // -v: + cycle summaries, promotions, deliveries
	VerbosityDebug = 2 // -vv: + per-command output, sweeps, heartbeats
)

// VerbosityToLevelName maps verbosity flags (-v, -vv) to a level name
// accepted by Initialize. A zero verbosity defers to the configured level.
//
//	0 (none)  -> "" (configured level)
//	1 (-v)    -> info
//	2+ (-vv)  -> debug
func VerbosityToLevelName(verbosity int, configured string) string {
	switch {
	case verbosity <= VerbosityQuiet:
		return configured
	case verbosity == VerbosityInfo:
		return "info"
	default:
		return "debug"
	}
}
