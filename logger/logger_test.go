package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		level      string
		wantErr    bool
		wantLevel  zapcore.Level
	}{
		{name: "JSON output mode", jsonOutput: true, level: "info", wantLevel: zapcore.InfoLevel},
		{name: "Console output mode", jsonOutput: false, level: "debug", wantLevel: zapcore.DebugLevel},
		{name: "Unknown level", jsonOutput: false, level: "chatty", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(func() { _ = SetLevel("info") })

			err := Initialize(tt.jsonOutput, tt.level)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
			assert.Equal(t, tt.wantLevel, Level())
			Cleanup()
		})
	}
}

func TestSetLevelHotReload(t *testing.T) {
	require.NoError(t, Initialize(false, "info"))
	t.Cleanup(func() { _ = SetLevel("info") })

	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, zapcore.WarnLevel, Level())
	assert.False(t, Logger.Desugar().Core().Enabled(zapcore.InfoLevel))

	// Empty name leaves the level alone
	require.NoError(t, SetLevel(""))
	assert.Equal(t, zapcore.WarnLevel, Level())
}

func TestFieldsFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FieldsFromContext(ctx))

	ctx = WithDomain(ctx, "domainA")
	ctx = WithPatchID(ctx, "p-001")
	ctx = WithComponent(ctx, "engine")

	assert.Equal(t, []interface{}{
		FieldDomain, "domainA",
		FieldPatchID, "p-001",
		FieldComponent, "engine",
	}, FieldsFromContext(ctx))
}

func TestVerbosityToLevelName(t *testing.T) {
	assert.Equal(t, "warn", VerbosityToLevelName(0, "warn"))
	assert.Equal(t, "info", VerbosityToLevelName(1, "warn"))
	assert.Equal(t, "debug", VerbosityToLevelName(3, "warn"))
}

func TestComponentLogger(t *testing.T) {
	l := ComponentLogger("watchdog")
	require.NotNil(t, l)
	l.Infow("registration tracked", FieldUUID, "abc")
}
