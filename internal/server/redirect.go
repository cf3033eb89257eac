// -------------------------------------------------------------------------------
// Redirect Listener - Short Code Resolution
//
// Author: Alex Freidah
//
// Resolves GET /{code} through the engine's read cache and answers with the
// configured redirect status. Clicks and visits are submitted after the
// response headers are decided; a rejected submission is counted but never
// changes the response. Unknown codes get 404, deactivated codes 410, and a
// storage outage on a cache miss 503.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/afreidah/shortlinkd/internal/audit"
	"github.com/afreidah/shortlinkd/internal/engine"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// Timing header names.
const (
	HeaderCacheHit    = "X-Shortlink-Cache-Hit"
	HeaderTimingTotal = "X-Shortlink-Timing-Total-Ms"
)

type healthResponse struct {
	Status string `json:"status"`
}

// RedirectHandler returns the redirect listener handler.
func (s *Server) RedirectHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{code}", instrument(listenerRedirect, "Redirect", s.handleRedirect))
	mux.Handle("GET /{$}", instrument(listenerRedirect, "Health", handleRedirectHealth))
	mux.Handle("GET /health", instrument(listenerRedirect, "Health", handleRedirectHealth))
	return audit.Middleware(mux)
}

func handleRedirectHealth(_ context.Context, w http.ResponseWriter, _ *http.Request) (int, error) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	return http.StatusOK, nil
}

func (s *Server) handleRedirect(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	start := time.Now()
	code := r.PathValue("code")
	settings := s.GetRedirectSettings()

	// Codes that could never have been stored skip the cache and the store.
	if err := storage.ValidateCode(code, s.MaxCodeLen); err != nil {
		return s.redirectError(w, http.StatusNotFound, "URL not found"), nil
	}

	decision, err := s.Engine.Resolve(ctx, code)
	if settings.TimingHeaders {
		w.Header().Set(HeaderCacheHit, strconv.FormatBool(decision.CacheHit))
		w.Header().Set(HeaderTimingTotal, strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	}

	switch {
	case err == nil:
	case errors.Is(err, engine.ErrGone):
		return s.redirectError(w, http.StatusGone, "This link has been deactivated"), nil
	case errors.Is(err, storage.ErrNotFound):
		return s.redirectError(w, http.StatusNotFound, "URL not found"), nil
	case engine.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		return s.redirectError(w, http.StatusServiceUnavailable, "Service temporarily unavailable"), err
	default:
		return s.redirectError(w, http.StatusInternalServerError, "Internal server error"), err
	}

	w.Header().Set("Location", decision.TargetURL)
	w.WriteHeader(settings.Status)
	telemetry.RedirectsTotal.WithLabelValues(strconv.Itoa(settings.Status)).Inc()

	s.record(ctx, code, r)
	return settings.Status, nil
}

// record submits the click and, when analytics is enabled, the visit.
func (s *Server) record(ctx context.Context, code string, r *http.Request) {
	if err := s.Engine.RecordClick(code); err != nil {
		slog.DebugContext(ctx, "Click not recorded", "code", code, "error", err)
	}
	if s.ClientIP == nil {
		return
	}
	if err := s.Engine.RecordVisit(code, s.ClientIP.Extract(r)); err != nil {
		slog.DebugContext(ctx, "Visit not recorded", "code", code, "error", err)
	}
}

func (s *Server) redirectError(w http.ResponseWriter, status int, message string) int {
	telemetry.RedirectsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	http.Error(w, message, status)
	return status
}
