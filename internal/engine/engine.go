// -------------------------------------------------------------------------------
// Engine - Redirect Resolution and Buffered Statistics Facade
//
// Author: Alex Freidah
//
// The single entry point the HTTP layers use. Resolution goes through the read
// cache; clicks and visits are fire-and-forget sends into their pipelines;
// management operations pass through to the store with synchronous cache
// invalidation on every state change. Click counts returned to callers combine
// the persisted count with the unpersisted shared view.
// -------------------------------------------------------------------------------

package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/afreidah/shortlinkd/internal/audit"
	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/lifecycle"
	"github.com/afreidah/shortlinkd/internal/pipeline"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

var (
	// ErrGone is returned when resolving a code that exists but is deactivated.
	ErrGone = errors.New("short link deactivated")

	// ErrBackpressureRejected is returned when a pipeline stayed saturated for
	// the whole send timeout.
	ErrBackpressureRejected = pipeline.ErrBackpressureRejected

	// ErrShuttingDown is returned once pipeline intake has closed.
	ErrShuttingDown = pipeline.ErrShuttingDown
)

// Random code generation bounds.
const (
	minGeneratedLength      = 3
	maxGeneratedLength      = 10
	conflictsBeforeEscalate = 5
)

const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// -------------------------------------------------------------------------
// TYPES
// -------------------------------------------------------------------------

// RedirectDecision is the outcome of resolving a short code.
type RedirectDecision struct {
	TargetURL string
	Active    bool
	CacheHit  bool
}

// CreateRequest describes a new short link.
type CreateRequest struct {
	URL        string
	CustomCode string  // Empty generates a random code
	CreatedBy  *string // Verified caller identity, if any
}

// ListResult is one page of links with an opaque continuation cursor.
type ListResult struct {
	Links      []storage.ShortLink `json:"urls"`
	NextCursor string              `json:"next_cursor,omitempty"`
	HasMore    bool                `json:"has_more"`
}

// VisitRecorder is the analytics pipeline as seen by the engine.
type VisitRecorder interface {
	Pipeline
	Record(code string, clientIP netip.Addr) error
}

// Config holds engine settings.
type Config struct {
	Cache              config.CacheConfig
	Counter            config.CounterConfig
	BackendTimeout     time.Duration
	ShortCodeMaxLength int
}

// ConfigFrom extracts engine settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Cache:              cfg.Cache,
		Counter:            cfg.Counter,
		BackendTimeout:     cfg.Server.BackendTimeout,
		ShortCodeMaxLength: cfg.Server.ShortCodeMaxLength,
	}
}

// Engine composes the read cache, click counter, optional analytics
// pipeline, and shutdown coordinator around a store.
type Engine struct {
	store       storage.Store
	cursors     *storage.CursorCodec
	cache       *ReadCache
	counter     *ClickCounter
	visits      VisitRecorder
	coordinator *ShutdownCoordinator
	pipelines   []Pipeline
	timeout     time.Duration
	maxCodeLen  int
}

// New creates an engine. visits may be nil when analytics is disabled.
func New(cfg Config, store storage.Store, cursors *storage.CursorCodec, visits VisitRecorder) *Engine {
	counter := NewClickCounter(cfg.Counter, store)
	pipelines := []Pipeline{counter}
	if visits != nil {
		pipelines = append(pipelines, visits)
	}

	return &Engine{
		store:   store,
		cursors: cursors,
		cache: NewReadCache(ReadCacheConfig{
			MaxEntries:  cfg.Cache.MaxEntries,
			TTL:         cfg.Cache.TTL,
			NegativeTTL: cfg.Cache.NegativeTTL,
			Shards:      cfg.Cache.Shards,
			LoadTimeout: cfg.BackendTimeout,
		}, store),
		counter:     counter,
		visits:      visits,
		coordinator: NewShutdownCoordinator(cfg.Counter.ShutdownRetries, pipelines...),
		pipelines:   pipelines,
		timeout:     cfg.BackendTimeout,
		maxCodeLen:  cfg.ShortCodeMaxLength,
	}
}

// Cache exposes the read cache.
func (e *Engine) Cache() *ReadCache { return e.cache }

// Coordinator exposes the shutdown coordinator.
func (e *Engine) Coordinator() *ShutdownCoordinator { return e.coordinator }

// Counter exposes the click counter pipeline.
func (e *Engine) Counter() *ClickCounter { return e.counter }

// withTimeout bounds a storage call.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// -------------------------------------------------------------------------
// LIFECYCLE
// -------------------------------------------------------------------------

// Start launches the pipeline actors.
func (e *Engine) Start() {
	e.coordinator.Start()
}

// RegisterServices adds one durability flush ticker per pipeline to m.
func (e *Engine) RegisterServices(m *lifecycle.Manager) {
	for _, p := range e.pipelines {
		m.Register(p.Name()+"-flush", &lifecycle.Ticker{
			Name:     p.Name() + "-flush",
			Interval: p.FlushInterval(),
			Tick: func(ctx context.Context) error {
				_, err := p.Flush(ctx)
				return err
			},
			Quiet: IsUnavailable,
		})
	}
}

// Shutdown drains every pipeline. See ShutdownCoordinator.Shutdown.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.coordinator.Shutdown(ctx)
}

// IsUnavailable reports whether err is a transient storage failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, storage.ErrStorageUnavailable)
}

// -------------------------------------------------------------------------
// REDIRECT PATH
// -------------------------------------------------------------------------

// Resolve returns the redirect target for code. Deactivated codes return
// ErrGone alongside the decision; unknown codes return storage.ErrNotFound.
func (e *Engine) Resolve(ctx context.Context, code string) (RedirectDecision, error) {
	entry, hit, err := e.cache.GetOrLoad(ctx, code)
	if err != nil {
		return RedirectDecision{CacheHit: hit}, err
	}
	d := RedirectDecision{TargetURL: entry.TargetURL, Active: entry.Active, CacheHit: hit}
	if !entry.Active {
		return d, ErrGone
	}
	return d, nil
}

// RecordClick submits one click for code. The error is for observability
// only; redirects never fail because of it.
func (e *Engine) RecordClick(code string) error {
	return e.counter.Record(code)
}

// RecordVisit submits one analytics event. No-op when analytics is disabled.
func (e *Engine) RecordVisit(code string, clientIP netip.Addr) error {
	if e.visits == nil {
		return nil
	}
	return e.visits.Record(code, clientIP)
}

// -------------------------------------------------------------------------
// MANAGEMENT
// -------------------------------------------------------------------------

// Create validates req and inserts a new link, generating a code when none
// was requested.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (link *storage.ShortLink, err error) {
	ctx, span := telemetry.StartSpan(ctx, "Engine Create")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := storage.ValidateTargetURL(req.URL); err != nil {
		return nil, err
	}

	if req.CustomCode != "" {
		if err := storage.ValidateCode(req.CustomCode, e.maxCodeLen); err != nil {
			return nil, err
		}
		link, err = e.insert(ctx, req.CustomCode, req)
	} else {
		link, err = e.insertGenerated(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("shortlink.code", link.Code))
	e.cache.Invalidate(link.Code)
	audit.Log(ctx, audit.EventLinkCreated,
		slog.String("code", link.Code),
		slog.String("created_by", derefOr(link.CreatedBy, "")),
	)
	return link, nil
}

func (e *Engine) insert(ctx context.Context, code string, req CreateRequest) (*storage.ShortLink, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.Create(ctx, code, req.URL, req.CreatedBy)
}

// insertGenerated retries random codes, lengthening them after repeated
// conflicts at one length.
func (e *Engine) insertGenerated(ctx context.Context, req CreateRequest) (*storage.ShortLink, error) {
	length := minGeneratedLength
	conflicts := 0
	for length <= maxGeneratedLength {
		code, err := randomCode(length)
		if err != nil {
			return nil, err
		}
		link, err := e.insert(ctx, code, req)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		conflicts++
		if conflicts >= conflictsBeforeEscalate {
			length++
			conflicts = 0
		}
	}
	return nil, fmt.Errorf("failed to generate a unique short code: %w", storage.ErrConflict)
}

// randomCode returns n characters drawn uniformly from codeAlphabet.
func randomCode(n int) (string, error) {
	limit := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate short code: %w", err)
		}
		b[i] = codeAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// Get returns the link for code with its authoritative click count.
func (e *Engine) Get(ctx context.Context, code string) (*storage.ShortLink, error) {
	tctx, cancel := e.withTimeout(ctx)
	defer cancel()
	var link *storage.ShortLink
	err := e.counter.ReadConsistent(tctx, func() error {
		l, err := e.store.Get(tctx, code)
		if err != nil {
			return err
		}
		l.Clicks += e.counter.Buffered(code)
		link = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// CurrentClickCount returns persisted plus buffered clicks for code.
func (e *Engine) CurrentClickCount(ctx context.Context, code string) (uint64, error) {
	link, err := e.Get(ctx, code)
	if err != nil {
		return 0, err
	}
	return link.Clicks, nil
}

// Deactivate disables code. The cached entry is gone before this returns.
func (e *Engine) Deactivate(ctx context.Context, code string) error {
	return e.setActive(ctx, code, false, audit.EventLinkDeactivated)
}

// Reactivate re-enables code with its original target.
func (e *Engine) Reactivate(ctx context.Context, code string) error {
	return e.setActive(ctx, code, true, audit.EventLinkReactivated)
}

func (e *Engine) setActive(ctx context.Context, code string, active bool, event string) error {
	tctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.store.SetActive(tctx, code, active); err != nil {
		return err
	}
	e.cache.Invalidate(code)
	audit.Log(ctx, event, slog.String("code", code))
	return nil
}

// List returns one page of links after the opaque cursor token.
func (e *Engine) List(ctx context.Context, cursorToken string, limit int) (*ListResult, error) {
	cursor, err := e.decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	tctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.page(tctx, func() (*storage.Page, error) {
		return e.store.List(tctx, cursor, limit)
	})
}

// Search returns one page of links matching filter.
func (e *Engine) Search(ctx context.Context, filter storage.SearchFilter, cursorToken string, limit int) (*ListResult, error) {
	cursor, err := e.decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	tctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.page(tctx, func() (*storage.Page, error) {
		return e.store.Search(tctx, filter, cursor, limit)
	})
}

func (e *Engine) decodeCursor(token string) (*storage.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	return e.cursors.Decode(token)
}

// page loads one page consistently with the counter flush and builds the
// result.
func (e *Engine) page(ctx context.Context, load func() (*storage.Page, error)) (*ListResult, error) {
	var out *ListResult
	err := e.counter.ReadConsistent(ctx, func() error {
		page, err := load()
		if err != nil {
			return err
		}
		out = e.result(page)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// result augments click counts from the view and encodes the next cursor.
func (e *Engine) result(page *storage.Page) *ListResult {
	out := &ListResult{Links: page.Links, HasMore: page.HasMore}
	for i := range out.Links {
		out.Links[i].Clicks += e.counter.Buffered(out.Links[i].Code)
	}
	if page.HasMore && page.Next != nil {
		out.NextCursor = e.cursors.Encode(*page.Next)
	}
	return out
}

// -------------------------------------------------------------------------
// ANALYTICS
// -------------------------------------------------------------------------

// Analytics returns raw hourly aggregates for an existing code.
func (e *Engine) Analytics(ctx context.Context, code string, from, to *int64, limit int) ([]storage.AnalyticsRow, error) {
	if err := e.exists(ctx, code); err != nil {
		return nil, err
	}
	tctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.QueryAnalytics(tctx, code, from, to, limit)
}

// AnalyticsAggregate groups visits for an existing code by one dimension.
func (e *Engine) AnalyticsAggregate(ctx context.Context, code, groupBy string, from, to *int64, limit int) ([]storage.AnalyticsBucket, error) {
	if err := e.exists(ctx, code); err != nil {
		return nil, err
	}
	tctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.AggregateAnalytics(tctx, code, groupBy, from, to, limit)
}

// exists checks code through the cache; deactivated codes still exist.
func (e *Engine) exists(ctx context.Context, code string) error {
	_, _, err := e.cache.GetOrLoad(ctx, code)
	return err
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
