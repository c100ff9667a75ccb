package services

import "context"

type contextKey string

const (
	unitIDKey    contextKey = "unit_id"
	stageKey     contextKey = "stage"
	poolKey      contextKey = "pool"
	runKeyKey    contextKey = "run_key"
	requestIDKey contextKey = "request_id"
)

// WithUnitID annotates context with the work unit identifier.
func WithUnitID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, unitIDKey, id)
}

// UnitIDFromContext extracts the work unit identifier if present.
func UnitIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(unitIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithPool annotates context with the resource pool a call is charged to.
func WithPool(ctx context.Context, pool string) context.Context {
	if pool == "" {
		return ctx
	}
	return context.WithValue(ctx, poolKey, pool)
}

// PoolFromContext returns the resource pool name if present.
func PoolFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(poolKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRunKey annotates context with the checkpoint run key.
func WithRunKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, runKeyKey, key)
}

// RunKeyFromContext returns the run key if present.
func RunKeyFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runKeyKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
