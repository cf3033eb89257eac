// -------------------------------------------------------------------------------
// Tracing Tests - OpenTelemetry Setup and Helpers
//
// Author: Alex Freidah
//
// Tests for tracer initialization, span creation helpers, and common attribute
// builders. Validates disabled config returns no-op, and helper functions
// produce correct attributes.
// -------------------------------------------------------------------------------

package telemetry

import (
	"context"
	"testing"

	"github.com/afreidah/shortlinkd/internal/config"
)

// -------------------------------------------------------------------------
// InitTracer
// -------------------------------------------------------------------------

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitTracer(disabled): %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected non-nil shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

// -------------------------------------------------------------------------
// StartSpan
// -------------------------------------------------------------------------

func TestStartSpan_WithAttributes(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test-span",
		AttrShortCode.String("abc"),
		AttrPipeline.String("clicks"),
	)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
}

// -------------------------------------------------------------------------
// Attribute builders
// -------------------------------------------------------------------------

func TestStorageAttributes(t *testing.T) {
	if got := len(StorageAttributes("Get", "abc")); got != 2 {
		t.Errorf("StorageAttributes with code: %d attributes, want 2", got)
	}
	if got := len(StorageAttributes("List", "")); got != 1 {
		t.Errorf("StorageAttributes without code: %d attributes, want 1", got)
	}
}

func TestFlushAttributes(t *testing.T) {
	attrs := FlushAttributes("analytics", 42)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[1].Value.AsInt64() != 42 {
		t.Errorf("batch size = %d, want 42", attrs[1].Value.AsInt64())
	}
}
