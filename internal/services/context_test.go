package services_test

import (
	"context"
	"testing"

	"kiln/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithUnitID(ctx, "asuka/v2")
	ctx = services.WithStage(ctx, "generate")
	ctx = services.WithPool(ctx, "generation")
	ctx = services.WithRunKey(ctx, "portraits")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.UnitIDFromContext(ctx); !ok || id != "asuka/v2" {
		t.Fatalf("unexpected unit id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "generate" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if pool, ok := services.PoolFromContext(ctx); !ok || pool != "generation" {
		t.Fatalf("unexpected pool: %v %v", pool, ok)
	}
	if key, ok := services.RunKeyFromContext(ctx); !ok || key != "portraits" {
		t.Fatalf("unexpected run key: %v %v", key, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithUnitID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := services.UnitIDFromContext(ctx); ok {
		t.Fatal("expected no unit value")
	}
}
