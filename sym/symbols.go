// Package sym defines the symbols idealgen attaches to log lines and CLI
// output. They are stable across logs, CLI and documentation.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // coordination: leases, heartbeats, cooldowns, schedules
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Prose      = "▣" // generated content records
	Notify     = "⟶" // outbound notifications
)
