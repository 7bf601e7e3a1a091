package sym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFor(t *testing.T) {
	assert.Equal(t, Engine, For("engine"))
	assert.Equal(t, Watchdog, For("watchdog"))
	assert.Equal(t, Pulse, For("unknown-component"))
}

func TestGlyphsAreDistinct(t *testing.T) {
	seen := make(map[string]string)
	for name, glyph := range ByComponent {
		if other, ok := seen[glyph]; ok {
			t.Fatalf("glyph %s shared by %s and %s", glyph, name, other)
		}
		seen[glyph] = name
	}
}
