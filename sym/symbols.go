// Package sym defines the glyphs that mark each pipeline component in logs and CLI output.
// Glyphs are attached as a structured field, never embedded in log messages.
package sym

// Component glyphs.
const (
	Spool     = "⇣" // spool: producer drop area
	Admission = "⊢" // admission: validation and promotion
	Engine    = "⚙" // engine: staged execution
	Watchdog  = "⌖" // watchdog: delivery tracking
	Lifecycle = "∿" // lifecycle: read-only reconciliation
	AM        = "≡" // am: configuration
	DB        = "⊔" // db: storage
	Server    = "⌬" // server: read-only status surface
)

// Pulse glyphs mark the scheduler and its start/stop transitions.
const (
	Pulse      = "꩜"
	PulseOpen  = "✿"
	PulseClose = "❀"
)

// ByComponent maps component logger names to their glyph.
var ByComponent = map[string]string{
	"spool":     Spool,
	"admission": Admission,
	"engine":    Engine,
	"watchdog":  Watchdog,
	"lifecycle": Lifecycle,
	"am":        AM,
	"db":        DB,
	"server":    Server,
	"pulse":     Pulse,
}

// For returns the glyph for a component, or the pulse glyph when the component is unknown.
func For(component string) string {
	if g, ok := ByComponent[component]; ok {
		return g
	}
	return Pulse
}
