// -------------------------------------------------------------------------------
// Audit - Request ID Tracing and Structured Audit Logging
//
// Author: Alex Freidah
//
// Context-based request ID propagation and structured audit logging for link
// state changes and pipeline data-loss events. Management API requests honor a
// client-provided X-Request-Id; background flushes get a fresh correlation ID
// per cycle. Entries carry an "audit" marker for log pipeline filtering.
// -------------------------------------------------------------------------------

package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// Audit event names.
const (
	EventLinkCreated       = "link.created"
	EventLinkDeactivated   = "link.deactivated"
	EventLinkReactivated   = "link.reactivated"
	EventCounterDataLoss   = "counter.data_loss"
	EventAnalyticsDataLoss = "analytics.data_loss"
	EventAnalyticsPruned   = "analytics.pruned"
	EventFlushQuarantined  = "flush.quarantined"
)

// RequestIDHeader is the header echoed back on every management API response.
const RequestIDHeader = "X-Request-Id"

// maxClientIDLen caps client-supplied request IDs.
const maxClientIDLen = 128

// -------------------------------------------------------------------------
// CONTEXT KEYS
// -------------------------------------------------------------------------

type contextKey int

const (
	requestIDKey contextKey = iota
)

// -------------------------------------------------------------------------
// REQUEST ID
// -------------------------------------------------------------------------

// NewID generates a hex-encoded 16-byte random ID suitable for request
// correlation. Falls back to a timestamp-based ID if crypto/rand fails.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}

// WithRequestID stores a request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context. Returns empty string
// if no request ID is set.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Middleware attaches a request ID to every request context and response,
// reusing the client's X-Request-Id when it is present and reasonably sized.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxClientIDLen {
			id = NewID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// -------------------------------------------------------------------------
// AUDIT LOGGING
// -------------------------------------------------------------------------

// Log emits a structured audit log entry at Info level. Automatically
// includes the request ID from context and increments the audit event
// counter.
func Log(ctx context.Context, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelInfo, event, attrs)
}

// Warn emits an audit entry at Warn level. Used for data-loss events that an
// operator should investigate.
func Warn(ctx context.Context, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelWarn, event, attrs)
}

func emit(ctx context.Context, level slog.Level, event string, attrs []slog.Attr) {
	telemetry.AuditEventsTotal.WithLabelValues(event).Inc()

	base := []slog.Attr{
		slog.Bool("audit", true),
		slog.String("event", event),
	}
	if id := RequestID(ctx); id != "" {
		base = append(base, slog.String("request_id", id))
	}
	base = append(base, attrs...)

	slog.LogAttrs(ctx, level, "audit", base...)
}
