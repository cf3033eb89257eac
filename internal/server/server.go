// -------------------------------------------------------------------------------
// HTTP Server - Management API and Redirect Listeners
//
// Author: Alex Freidah
//
// Builds the two HTTP surfaces around the engine. The management API creates,
// reads, toggles, lists, and searches links and serves analytics. The redirect
// listener resolves codes through the read cache and answers with the
// configured redirect status. Every handler returns its status and error so a
// single wrapper records metrics, spans, and logs for all operations.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/afreidah/shortlinkd/internal/analytics"
	"github.com/afreidah/shortlinkd/internal/audit"
	"github.com/afreidah/shortlinkd/internal/auth"
	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/engine"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// Listener labels for metrics.
const (
	listenerAPI      = "api"
	listenerRedirect = "redirect"
)

// -------------------------------------------------------------------------
// SERVER
// -------------------------------------------------------------------------

// HealthChecker reports store connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RedirectSettings holds the redirect response options that can change on
// reload.
type RedirectSettings struct {
	Status        int
	TimingHeaders bool
}

// Server handles both HTTP listeners.
type Server struct {
	Engine      *engine.Engine
	Health      HealthChecker
	Verifier    *auth.Verifier               // nil disables API auth
	ClientIP    *analytics.ClientIPExtractor // nil when analytics is disabled
	BaseURL     string                       // Echoed in link responses when set
	MaxCodeLen  int                          // Longest code worth resolving
	MetricsPath string                       // Empty disables /metrics on the API listener
	redirect    atomic.Pointer[RedirectSettings]
}

// New creates a server from the service configuration.
func New(cfg *config.Config, eng *engine.Engine, health HealthChecker, verifier *auth.Verifier, clientIP *analytics.ClientIPExtractor) *Server {
	s := &Server{
		Engine:     eng,
		Health:     health,
		Verifier:   verifier,
		ClientIP:   clientIP,
		BaseURL:    cfg.Server.RedirectBaseURL,
		MaxCodeLen: cfg.Server.ShortCodeMaxLength,
	}
	if cfg.Telemetry.Metrics.Enabled {
		s.MetricsPath = cfg.Telemetry.Metrics.Path
	}
	s.SetRedirectSettings(RedirectSettings{
		Status:        cfg.Server.RedirectStatus,
		TimingHeaders: cfg.Server.TimingHeaders,
	})
	return s
}

// SetRedirectSettings atomically replaces the redirect response options.
// Safe to call concurrently with request handling.
func (s *Server) SetRedirectSettings(rs RedirectSettings) {
	s.redirect.Store(&rs)
}

// GetRedirectSettings returns the current redirect response options.
func (s *Server) GetRedirectSettings() RedirectSettings {
	if rs := s.redirect.Load(); rs != nil {
		return *rs
	}
	return RedirectSettings{Status: http.StatusPermanentRedirect}
}

// -------------------------------------------------------------------------
// INSTRUMENTATION
// -------------------------------------------------------------------------

// handlerFunc writes a response and reports the status it wrote along with
// any error worth recording.
type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error)

// instrument wraps h with tracing, request metrics, and logging.
func instrument(listener, operation string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		telemetry.InflightRequests.WithLabelValues(listener).Inc()
		defer telemetry.InflightRequests.WithLabelValues(listener).Dec()

		ctx, span := telemetry.StartSpan(r.Context(), "HTTP "+operation,
			telemetry.RequestAttributes(r.Method, r.URL.Path, r.RemoteAddr, audit.RequestID(r.Context()))...,
		)
		defer span.End()

		status, err := h(ctx, w, r.WithContext(ctx))

		telemetry.RequestsTotal.WithLabelValues(listener, operation, strconv.Itoa(status)).Inc()
		telemetry.RequestDuration.WithLabelValues(listener, operation).Observe(time.Since(start).Seconds())

		span.SetAttributes(attribute.Int("http.status_code", status))
		if err != nil && status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}

		attrs := []any{
			"operation", operation,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"request_id", audit.RequestID(ctx),
		}
		switch {
		case err != nil && status >= http.StatusInternalServerError:
			slog.ErrorContext(ctx, "Request failed", append(attrs, "error", err)...)
		case err != nil:
			slog.DebugContext(ctx, "Request rejected", append(attrs, "error", err)...)
		default:
			slog.DebugContext(ctx, "Request served", attrs...)
		}
	})
}

// -------------------------------------------------------------------------
// RESPONSES
// -------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response body", "error", err)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError maps err to a status, writes it, and returns the status.
func writeEngineError(w http.ResponseWriter, err error) int {
	status, message := errorStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message)
	return status
}

// errorStatus maps engine and storage errors to an HTTP status and a
// client-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "short link not found"
	case errors.Is(err, engine.ErrGone):
		return http.StatusGone, "short link has been deactivated"
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, "short code already exists"
	case errors.Is(err, storage.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "storage temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
