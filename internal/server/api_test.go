// -------------------------------------------------------------------------------
// Management API Tests
//
// Author: Alex Freidah
//
// Drives the management handler over httptest with a real engine and the
// in-memory store: link creation and validation, lookups with buffered click
// counts, deactivate/reactivate, pagination, search filters, analytics
// queries, bearer auth, and health.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"

	"github.com/afreidah/shortlinkd/internal/storage"
)

// do sends one request through the API handler.
func (ts *testServer) do(t *testing.T, method, target, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.APIHandler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// -------------------------------------------------------------------------
// CREATE
// -------------------------------------------------------------------------

func TestAPI_CreateCustomCode(t *testing.T) {
	ts := newTestServer(t, testOptions{})

	rec := ts.do(t, "POST", "/api/urls", `{"url":"https://example.com/page","custom_code":"promo"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[linkResponse](t, rec)
	if got.Code != "promo" || got.TargetURL != "https://example.com/page" || !got.Active {
		t.Errorf("link = %+v", got)
	}
	if got.RedirectBaseURL != "https://sho.rt" {
		t.Errorf("redirect_base_url = %q", got.RedirectBaseURL)
	}
	if got.CreatedBy != nil {
		t.Errorf("created_by = %v without auth, want nil", *got.CreatedBy)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected request ID header")
	}
}

func TestAPI_CreateGeneratedCode(t *testing.T) {
	ts := newTestServer(t, testOptions{})

	rec := ts.do(t, "POST", "/api/urls", `{"url":"https://example.com"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[linkResponse](t, rec)
	if len(got.Code) < 3 {
		t.Errorf("generated code %q too short", got.Code)
	}
}

func TestAPI_CreateRejections(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	ts.store.Seed("taken", "https://example.com", true, 0)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"url":`, http.StatusBadRequest},
		{"empty url", `{"url":""}`, http.StatusBadRequest},
		{"bad scheme", `{"url":"ftp://example.com"}`, http.StatusBadRequest},
		{"bad code chars", `{"url":"https://example.com","custom_code":"no spaces"}`, http.StatusBadRequest},
		{"code too long", `{"url":"https://example.com","custom_code":"` + strings.Repeat("x", 51) + `"}`, http.StatusBadRequest},
		{"duplicate code", `{"url":"https://example.com","custom_code":"taken"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/api/urls", tt.body, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if decode[errorResponse](t, rec).Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestAPI_CreateStorageUnavailable(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	ts.store.SetErr(&ts.store.CreateErr, storage.ErrStorageUnavailable)

	rec := ts.do(t, "POST", "/api/urls", `{"url":"https://example.com","custom_code":"abc"}`, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 503")
	}
}

// -------------------------------------------------------------------------
// READ AND TOGGLE
// -------------------------------------------------------------------------

func TestAPI_GetIncludesBufferedClicks(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	ts.store.Seed("abc", "https://example.com", true, 10)

	for i := 0; i < 3; i++ {
		if err := ts.Engine.RecordClick("abc"); err != nil {
			t.Fatal(err)
		}
	}
	ts.Engine.Counter().SyncView()

	rec := ts.do(t, "GET", "/api/urls/abc", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[linkResponse](t, rec); got.Clicks != 13 {
		t.Errorf("clicks = %d, want 13", got.Clicks)
	}
}

func TestAPI_GetUnknown(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	if rec := ts.do(t, "GET", "/api/urls/missing", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAPI_DeactivateReactivate(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	ts.store.Seed("abc", "https://example.com", true, 0)
	ctx := context.Background()

	// Warm the cache so deactivation has something to invalidate.
	if _, err := ts.Engine.Resolve(ctx, "abc"); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, "PUT", "/api/urls/abc/deactivate", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	if msg := decode[messageResponse](t, rec).Message; msg != "URL deactivated successfully" {
		t.Errorf("message = %q", msg)
	}
	if _, err := ts.Engine.Resolve(ctx, "abc"); err == nil {
		t.Fatal("deactivated code still resolves")
	}

	rec = ts.do(t, "PUT", "/api/urls/abc/reactivate", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reactivate status = %d", rec.Code)
	}
	d, err := ts.Engine.Resolve(ctx, "abc")
	if err != nil || d.TargetURL != "https://example.com" {
		t.Fatalf("Resolve after reactivate = %+v, %v", d, err)
	}

	if rec := ts.do(t, "PUT", "/api/urls/missing/deactivate", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("deactivate unknown status = %d, want 404", rec.Code)
	}
}

// -------------------------------------------------------------------------
// LIST AND SEARCH
// -------------------------------------------------------------------------

func TestAPI_ListPaginates(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	for _, code := range []string{"aaa", "bbb", "ccc", "ddd", "eee"} {
		ts.store.Seed(code, "https://example.com/"+code, true, 0)
	}

	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		target := "/api/urls?limit=2"
		if cursor != "" {
			target += "&cursor=" + url.QueryEscape(cursor)
		}
		rec := ts.do(t, "GET", target, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		page := decode[listResponse](t, rec)
		for _, l := range page.URLs {
			if seen[l.Code] {
				t.Fatalf("code %s returned twice", l.Code)
			}
			seen[l.Code] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Errorf("saw %d codes across pages, want 5", len(seen))
	}
}

func TestAPI_ListRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	if rec := ts.do(t, "GET", "/api/urls?limit=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/urls?cursor=forged", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("forged cursor status = %d, want 400", rec.Code)
	}
}

func TestAPI_Search(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	ts.store.Seed("docs", "https://docs.example.com", true, 0)
	ts.store.Seed("blog", "https://blog.example.com", false, 0)
	ts.store.Seed("misc", "https://other.org", true, 0)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"url substring", "q=example", 2},
		{"code substring", "q=doc", 1},
		{"active filter", "q=example&is_active=false", 1},
		{"no match", "q=nothing", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "GET", "/api/search?"+tt.query, "", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if got := decode[listResponse](t, rec); len(got.URLs) != tt.want {
				t.Errorf("results = %d, want %d", len(got.URLs), tt.want)
			}
		})
	}
}

func TestAPI_SearchRejections(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	for _, q := range []string{"", "q=", "q=a&is_active=maybe", "q=a&created_from=yesterday", "q=a&limit=x"} {
		if rec := ts.do(t, "GET", "/api/search?"+q, "", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("search %q status = %d, want 400", q, rec.Code)
		}
	}
}

// -------------------------------------------------------------------------
// ANALYTICS
// -------------------------------------------------------------------------

func TestAPI_Analytics(t *testing.T) {
	ts := newTestServer(t, testOptions{analytics: true})
	ts.store.Seed("abc", "https://example.com", true, 4)
	ctx := context.Background()

	for _, ip := range []string{"203.0.113.9", "203.0.113.9", "2001:db8::1"} {
		if err := ts.Engine.RecordVisit("abc", netip.MustParseAddr(ip)); err != nil {
			t.Fatal(err)
		}
	}
	ts.aggr.SyncBuffer()
	if _, err := ts.aggr.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, "GET", "/api/analytics/abc", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	raw := decode[analyticsResponse](t, rec)
	if raw.Total != len(raw.Entries) || raw.Total != 2 {
		t.Errorf("entries = %+v, want one row per ip version", raw.Entries)
	}
	if raw.Clicks != 4 {
		t.Errorf("clicks = %d, want 4", raw.Clicks)
	}

	rec = ts.do(t, "GET", "/api/analytics/abc/aggregate?group_by=country", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("aggregate status = %d, body %s", rec.Code, rec.Body)
	}
	agg := decode[aggregateResponse](t, rec)
	if len(agg.Aggregates) != 1 || agg.Aggregates[0].Dimension != "Unknown" || agg.Aggregates[0].VisitCount != 3 {
		t.Errorf("aggregates = %+v", agg.Aggregates)
	}
}

func TestAPI_AnalyticsErrors(t *testing.T) {
	ts := newTestServer(t, testOptions{analytics: true})
	ts.store.Seed("abc", "https://example.com", false, 0)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"unknown code", "/api/analytics/missing", http.StatusNotFound},
		{"deactivated code allowed", "/api/analytics/abc", http.StatusOK},
		{"bad start_time", "/api/analytics/abc?start_time=soon", http.StatusBadRequest},
		{"bad group_by", "/api/analytics/abc/aggregate?group_by=planet", http.StatusBadRequest},
		{"empty aggregate", "/api/analytics/abc/aggregate", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, "GET", tt.target, "", ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

// -------------------------------------------------------------------------
// AUTH
// -------------------------------------------------------------------------

func TestAPI_AuthRequired(t *testing.T) {
	ts := newTestServer(t, testOptions{auth: true})

	rec := ts.do(t, "GET", "/api/urls", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}

	if rec := ts.do(t, "GET", "/api/urls", "", "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", rec.Code)
	}

	// Health stays open.
	if rec := ts.do(t, "GET", "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d with auth enabled", rec.Code)
	}
}

func TestAPI_AuthRecordsCreator(t *testing.T) {
	ts := newTestServer(t, testOptions{auth: true})

	rec := ts.do(t, "POST", "/api/urls", `{"url":"https://example.com","custom_code":"mine"}`, token(t, "alice"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[linkResponse](t, rec)
	if got.CreatedBy == nil || *got.CreatedBy != "alice" {
		t.Errorf("created_by = %v, want alice", got.CreatedBy)
	}

	rec = ts.do(t, "GET", "/api/search?q=mine&created_by=alice", "", token(t, "alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	if res := decode[listResponse](t, rec); len(res.URLs) != 1 {
		t.Errorf("search by creator returned %d links, want 1", len(res.URLs))
	}
}

// -------------------------------------------------------------------------
// HEALTH
// -------------------------------------------------------------------------

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t, testOptions{})

	rec := ts.do(t, "GET", "/health", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthy = %d %q", rec.Code, rec.Body)
	}

	ts.store.SetErr(&ts.store.PingErr, storage.ErrStorageUnavailable)
	rec = ts.do(t, "GET", "/health", "", "")
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "degraded" {
		t.Errorf("degraded = %d %q", rec.Code, rec.Body)
	}
}

func TestAPI_MetricsPath(t *testing.T) {
	ts := newTestServer(t, testOptions{})
	if rec := ts.do(t, "GET", "/metrics", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics disabled status = %d, want 404", rec.Code)
	}

	ts.MetricsPath = "/metrics"
	if rec := ts.do(t, "GET", "/metrics", "", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics enabled status = %d, want 200", rec.Code)
	}
}
