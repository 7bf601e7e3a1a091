package logger

import (
	"github.com/teranos/patchspool/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// These log with the glyph as a structured field, not in the message.
//
//	logger.PulseOpenInfow("Daemon starting", "domains", cfg.Domains)

// WithSymbol returns the global logger carrying the glyph for component.
func WithSymbol(component string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, sym.For(component))
}

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Pulse}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// PulseOpenInfow logs an info message with the PulseOpen symbol (✿)
// Used for graceful startup operations
func PulseOpenInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.PulseOpen}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// PulseCloseInfow logs an info message with the PulseClose symbol (❀)
// Used for graceful shutdown operations
func PulseCloseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.PulseClose}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
