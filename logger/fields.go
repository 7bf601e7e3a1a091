package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldPatchID = "patch_id"
	FieldUUID    = "uuid"
	FieldDomain  = "domain"
	FieldSource  = "source"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Pipeline
	FieldArea       = "area"
	FieldStage      = "stage"
	FieldReasonCode = "reason_code"
	FieldCommand    = "command"
	FieldExitCode   = "exit_code"
	FieldAttempt    = "attempt"
	FieldTarget     = "target"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount    = "count"
	FieldPromoted = "promoted"
	FieldRejected = "rejected"
	FieldDepth    = "depth"

	// Status
	FieldStatus = "status"

	// Files and network
	FieldFile    = "file"
	FieldPath    = "path"
	FieldAddress = "address"
)

type contextKey string

const (
	patchIDKey   contextKey = "logger_patch_id"
	domainKey    contextKey = "logger_domain"
	componentKey contextKey = "logger_component"
)

// WithPatchID adds a patch ID to the context for logging
func WithPatchID(ctx context.Context, patchID string) context.Context {
	return context.WithValue(ctx, patchIDKey, patchID)
}

// WithDomain adds a domain to the context for logging
func WithDomain(ctx context.Context, domain string) context.Context {
	return context.WithValue(ctx, domainKey, domain)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if domain, ok := ctx.Value(domainKey).(string); ok && domain != "" {
		fields = append(fields, FieldDomain, domain)
	}
	if patchID, ok := ctx.Value(patchIDKey).(string); ok && patchID != "" {
		fields = append(fields, FieldPatchID, patchID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext decorates base with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	engine.New(st, runner, cfg, logger.ComponentLogger("engine"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return WithSymbol(name).Named(name)
}
