package logging

import (
	"context"
	"log/slog"

	"kiln/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldUnitID identifies the work unit a line belongs to.
	FieldUnitID = "unit_id"
	// FieldStage is the pipeline stage (directive step name or template stage).
	FieldStage = "stage"
	// FieldPool is the rate/credential pool a call is charged to.
	FieldPool = "pool"
	// FieldRunKey identifies the checkpoint record of the run.
	FieldRunKey = "run_key"
	// FieldCorrelationID is the per-attempt request identifier.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering (e.g. "unit_completed").
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if key, ok := services.RunKeyFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunKey, key))
	}
	if id, ok := services.UnitIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldUnitID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if pool, ok := services.PoolFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldPool, pool))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
