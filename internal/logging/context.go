// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if workType := WorkTypeFromContext(ctx); workType != "" {
		fields = append(fields, zap.String("work.type", workType))
	}
	if decisionID := DecisionIDFromContext(ctx); decisionID != "" {
		fields = append(fields, zap.String("decision.id", decisionID))
	}

	return fields
}

// Context key types
type requestCtxKey struct{}
type workTypeCtxKey struct{}
type decisionCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID validates a request, work-type or decision identifier.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// WorkTypeFromContext extracts the work type from context.
func WorkTypeFromContext(ctx context.Context) string {
	if w, ok := ctx.Value(workTypeCtxKey{}).(string); ok {
		return w
	}
	return ""
}

// WithWorkType adds the work type being selected for to context.
// Panics if workType is empty or contains invalid characters.
func WithWorkType(ctx context.Context, workType string) context.Context {
	if err := validateID(workType, "workType"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, workTypeCtxKey{}, workType)
}

// DecisionIDFromContext extracts the selection decision ID from context.
func DecisionIDFromContext(ctx context.Context) string {
	if d, ok := ctx.Value(decisionCtxKey{}).(string); ok {
		return d
	}
	return ""
}

// WithDecisionID adds a selection decision ID to context so downstream logs
// can be attributed to the decision that produced the bundle.
// Panics if decisionID is empty or contains invalid characters.
func WithDecisionID(ctx context.Context, decisionID string) context.Context {
	if err := validateID(decisionID, "decisionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, decisionCtxKey{}, decisionID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
