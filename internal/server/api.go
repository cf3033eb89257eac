// -------------------------------------------------------------------------------
// Management API - Link and Analytics Handlers
//
// Author: Alex Freidah
//
// JSON handlers for the management listener. State-changing calls go through
// the engine so the read cache is invalidated before the response is written.
// Reads combine persisted click counts with clicks still buffered in memory.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/afreidah/shortlinkd/internal/audit"
	"github.com/afreidah/shortlinkd/internal/auth"
	"github.com/afreidah/shortlinkd/internal/engine"
	"github.com/afreidah/shortlinkd/internal/storage"
)

// Request and query bounds.
const (
	maxCreateBodyBytes    = 64 << 10
	defaultAnalyticsLimit = 100
	maxAnalyticsLimit     = 1000
	healthTimeout         = 2 * time.Second
)

// APIHandler returns the management API handler.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()

	s.api(mux, "POST /api/urls", "CreateURL", s.handleCreate)
	s.api(mux, "GET /api/urls", "ListURLs", s.handleList)
	s.api(mux, "GET /api/urls/{code}", "GetURL", s.handleGet)
	s.api(mux, "PUT /api/urls/{code}/deactivate", "DeactivateURL", s.handleDeactivate)
	s.api(mux, "PUT /api/urls/{code}/reactivate", "ReactivateURL", s.handleReactivate)
	s.api(mux, "GET /api/search", "SearchURLs", s.handleSearch)
	s.api(mux, "GET /api/analytics/{code}", "GetAnalytics", s.handleAnalytics)
	s.api(mux, "GET /api/analytics/{code}/aggregate", "GetAnalyticsAggregate", s.handleAnalyticsAggregate)

	mux.Handle("GET /health", instrument(listenerAPI, "Health", s.handleHealth))
	if s.MetricsPath != "" {
		mux.Handle("GET "+s.MetricsPath, promhttp.Handler())
	}

	return audit.Middleware(mux)
}

// api mounts an authenticated management route.
func (s *Server) api(mux *http.ServeMux, pattern, operation string, h handlerFunc) {
	mux.Handle(pattern, instrument(listenerAPI, operation, s.authenticated(h)))
}

// authenticated verifies the bearer token when auth is enabled and stores the
// caller identity on the context.
func (s *Server) authenticated(h handlerFunc) handlerFunc {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
		subject, err := s.Verifier.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="shortlinkd"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return http.StatusUnauthorized, err
		}
		if subject != "" {
			ctx = auth.WithSubject(ctx, subject)
		}
		return h(ctx, w, r.WithContext(ctx))
	}
}

// -------------------------------------------------------------------------
// LINKS
// -------------------------------------------------------------------------

type createRequest struct {
	URL        string `json:"url"`
	CustomCode string `json:"custom_code,omitempty"`
}

// linkResponse is a link with the optional public redirect base.
type linkResponse struct {
	storage.ShortLink
	RedirectBaseURL string `json:"redirect_base_url,omitempty"`
}

type listResponse struct {
	URLs       []linkResponse `json:"urls"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

func (s *Server) link(l *storage.ShortLink) linkResponse {
	return linkResponse{ShortLink: *l, RedirectBaseURL: s.BaseURL}
}

func (s *Server) list(res *engine.ListResult) listResponse {
	out := listResponse{
		URLs:       make([]linkResponse, 0, len(res.Links)),
		NextCursor: res.NextCursor,
		HasMore:    res.HasMore,
	}
	for i := range res.Links {
		out.URLs = append(out.URLs, s.link(&res.Links[i]))
	}
	return out
}

func (s *Server) handleCreate(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return http.StatusBadRequest, err
	}

	link, err := s.Engine.Create(ctx, engine.CreateRequest{
		URL:        strings.TrimSpace(req.URL),
		CustomCode: strings.TrimSpace(req.CustomCode),
		CreatedBy:  auth.Subject(ctx),
	})
	if err != nil {
		return writeEngineError(w, err), err
	}

	writeJSON(w, http.StatusCreated, s.link(link))
	return http.StatusCreated, nil
}

func (s *Server) handleGet(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	link, err := s.Engine.Get(ctx, r.PathValue("code"))
	if err != nil {
		return writeEngineError(w, err), err
	}
	writeJSON(w, http.StatusOK, s.link(link))
	return http.StatusOK, nil
}

func (s *Server) handleDeactivate(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	if err := s.Engine.Deactivate(ctx, r.PathValue("code")); err != nil {
		return writeEngineError(w, err), err
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "URL deactivated successfully"})
	return http.StatusOK, nil
}

func (s *Server) handleReactivate(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	if err := s.Engine.Reactivate(ctx, r.PathValue("code")); err != nil {
		return writeEngineError(w, err), err
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "URL reactivated successfully"})
	return http.StatusOK, nil
}

func (s *Server) handleList(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), storage.DefaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest, err
	}

	res, err := s.Engine.List(ctx, q.Get("cursor"), storage.ClampLimit(limit))
	if err != nil {
		return writeEngineError(w, err), err
	}
	writeJSON(w, http.StatusOK, s.list(res))
	return http.StatusOK, nil
}

func (s *Server) handleSearch(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	filter, limit, err := parseSearch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest, err
	}

	res, err := s.Engine.Search(ctx, filter, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		return writeEngineError(w, err), err
	}
	writeJSON(w, http.StatusOK, s.list(res))
	return http.StatusOK, nil
}

// parseSearch reads the search filter from query parameters.
func parseSearch(r *http.Request) (storage.SearchFilter, int, error) {
	q := r.URL.Query()
	var f storage.SearchFilter

	f.Query = strings.TrimSpace(q.Get("q"))
	if f.Query == "" {
		return f, 0, fmt.Errorf("search query 'q' cannot be empty")
	}
	if v := q.Get("created_by"); v != "" {
		f.CreatedBy = &v
	}

	var err error
	if f.CreatedFrom, err = int64Param(q, "created_from"); err != nil {
		return f, 0, err
	}
	if f.CreatedTo, err = int64Param(q, "created_to"); err != nil {
		return f, 0, err
	}
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return f, 0, fmt.Errorf("is_active must be true or false")
		}
		f.Active = &active
	}

	limit, err := intParam(q.Get("limit"), storage.DefaultPageLimit)
	if err != nil {
		return f, 0, err
	}
	return f, storage.ClampLimit(limit), nil
}

// -------------------------------------------------------------------------
// ANALYTICS
// -------------------------------------------------------------------------

type analyticsResponse struct {
	Entries []storage.AnalyticsRow `json:"entries"`
	Total   int                    `json:"total"`
	Clicks  uint64                 `json:"clicks"`
}

type aggregateResponse struct {
	Aggregates []storage.AnalyticsBucket `json:"aggregates"`
	Total      int                       `json:"total"`
	Clicks     uint64                    `json:"clicks"`
}

// analyticsWindow reads start_time, end_time, and limit.
func analyticsWindow(r *http.Request) (from, to *int64, limit int, err error) {
	q := r.URL.Query()
	if from, err = int64Param(q, "start_time"); err != nil {
		return nil, nil, 0, err
	}
	if to, err = int64Param(q, "end_time"); err != nil {
		return nil, nil, 0, err
	}
	if limit, err = intParam(q.Get("limit"), defaultAnalyticsLimit); err != nil {
		return nil, nil, 0, err
	}
	return from, to, min(max(limit, 1), maxAnalyticsLimit), nil
}

func (s *Server) handleAnalytics(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	code := r.PathValue("code")
	from, to, limit, err := analyticsWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest, err
	}

	rows, err := s.Engine.Analytics(ctx, code, from, to, limit)
	if err != nil {
		return writeEngineError(w, err), err
	}
	if rows == nil {
		rows = []storage.AnalyticsRow{}
	}

	writeJSON(w, http.StatusOK, analyticsResponse{
		Entries: rows,
		Total:   len(rows),
		Clicks:  s.clicks(ctx, code),
	})
	return http.StatusOK, nil
}

func (s *Server) handleAnalyticsAggregate(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	code := r.PathValue("code")
	from, to, limit, err := analyticsWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest, err
	}
	groupBy := r.URL.Query().Get("group_by")
	if groupBy == "" {
		groupBy = "country"
	}

	buckets, err := s.Engine.AnalyticsAggregate(ctx, code, groupBy, from, to, limit)
	if err != nil {
		return writeEngineError(w, err), err
	}
	if buckets == nil {
		buckets = []storage.AnalyticsBucket{}
	}

	writeJSON(w, http.StatusOK, aggregateResponse{
		Aggregates: buckets,
		Total:      len(buckets),
		Clicks:     s.clicks(ctx, code),
	})
	return http.StatusOK, nil
}

// clicks returns the current click count, or zero when it cannot be read.
func (s *Server) clicks(ctx context.Context, code string) uint64 {
	n, err := s.Engine.CurrentClickCount(ctx, code)
	if err != nil {
		slog.DebugContext(ctx, "Click count unavailable for analytics response", "code", code, "error", err)
	}
	return n
}

// -------------------------------------------------------------------------
// HEALTH
// -------------------------------------------------------------------------

// handleHealth reports "ok" when the store answers and "degraded" with 503
// otherwise.
func (s *Server) handleHealth(ctx context.Context, w http.ResponseWriter, _ *http.Request) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.Health.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("degraded"))
		return http.StatusServiceUnavailable, err
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
	return http.StatusOK, nil
}

// -------------------------------------------------------------------------
// QUERY HELPERS
// -------------------------------------------------------------------------

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("limit must be an integer")
	}
	return n, nil
}

func int64Param(q url.Values, name string) (*int64, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a unix timestamp", name)
	}
	return &n, nil
}
