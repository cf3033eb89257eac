// Package testutil provides shared test helpers and mocks.
package testutil

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/afreidah/shortlinkd/internal/storage"
)

// MockStore is an in-memory Store for unit testing. Links and analytics live
// in maps; each method first returns its pre-configured error when one is set.
// Call tracking fields allow assertions on what the caller invoked.
type MockStore struct {
	Mu sync.Mutex

	// --- Configurable errors ---
	CreateErr          error
	GetErr             error
	SetActiveErr       error
	ApplyIncrementsErr error
	ListErr            error
	UpsertAnalyticsErr error
	QueryAnalyticsErr  error
	PingErr            error

	// GetDelay slows every Get so concurrent loads overlap.
	GetDelay time.Duration

	// --- Call tracking ---
	GetCalls             int
	CreateCalls          []string
	ApplyIncrementsCalls []map[string]uint64
	UpsertAnalyticsCalls [][]storage.AnalyticsRow
	PruneCalls           int

	links     map[string]*storage.ShortLink
	nextID    int64
	analytics map[analyticsKey]uint64
}

type analyticsKey struct {
	code      string
	bucket    int64
	country   string
	region    string
	city      string
	asn       uint32
	ipVersion uint8
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		links:     make(map[string]*storage.ShortLink),
		analytics: make(map[analyticsKey]uint64),
	}
}

// Compile-time check.
var _ storage.Store = (*MockStore)(nil)

// Seed inserts a link directly, bypassing CreateErr and call tracking.
func (m *MockStore) Seed(code, targetURL string, active bool, clicks uint64) *storage.ShortLink {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	l := m.insertLocked(code, targetURL, nil)
	l.Active = active
	l.Clicks = clicks
	out := *l
	return &out
}

func (m *MockStore) insertLocked(code, targetURL string, createdBy *string) *storage.ShortLink {
	m.nextID++
	l := &storage.ShortLink{
		ID:        m.nextID,
		Code:      code,
		TargetURL: targetURL,
		CreatedAt: time.Now().Unix(),
		CreatedBy: createdBy,
		Active:    true,
	}
	m.links[code] = l
	return l
}

// Clicks returns the persisted click count for code.
func (m *MockStore) Clicks(code string) uint64 {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if l, ok := m.links[code]; ok {
		return l.Clicks
	}
	return 0
}

// SetErr sets a configurable error under the lock.
func (m *MockStore) SetErr(target *error, err error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	*target = err
}

// -------------------------------------------------------------------------
// METADATA
// -------------------------------------------------------------------------

func (m *MockStore) Create(_ context.Context, code, targetURL string, createdBy *string) (*storage.ShortLink, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.CreateCalls = append(m.CreateCalls, code)
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if _, ok := m.links[code]; ok {
		return nil, fmt.Errorf("failed to create %q: %w", code, storage.ErrConflict)
	}
	out := *m.insertLocked(code, targetURL, createdBy)
	return &out, nil
}

func (m *MockStore) Get(ctx context.Context, code string) (*storage.ShortLink, error) {
	m.Mu.Lock()
	m.GetCalls++
	delay, err := m.GetDelay, m.GetErr
	m.Mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	l, ok := m.links[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *l
	return &out, nil
}

func (m *MockStore) SetActive(_ context.Context, code string, active bool) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.SetActiveErr != nil {
		return m.SetActiveErr
	}
	l, ok := m.links[code]
	if !ok {
		return storage.ErrNotFound
	}
	l.Active = active
	return nil
}

func (m *MockStore) ApplyIncrements(_ context.Context, batch map[string]uint64) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	m.ApplyIncrementsCalls = append(m.ApplyIncrementsCalls, maps.Clone(batch))
	if m.ApplyIncrementsErr != nil {
		return m.ApplyIncrementsErr
	}
	for code, delta := range batch {
		if l, ok := m.links[code]; ok {
			l.Clicks += delta
		}
	}
	return nil
}

func (m *MockStore) List(ctx context.Context, cursor *storage.Cursor, limit int) (*storage.Page, error) {
	return m.Search(ctx, storage.SearchFilter{}, cursor, limit)
}

func (m *MockStore) Search(_ context.Context, filter storage.SearchFilter, cursor *storage.Cursor, limit int) (*storage.Page, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}

	limit = storage.ClampLimit(limit)
	var matched []storage.ShortLink
	for _, l := range m.links {
		if matches(l, filter) && after(l, cursor) {
			matched = append(matched, *l)
		}
	}
	slices.SortFunc(matched, func(a, b storage.ShortLink) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	page := &storage.Page{Links: matched}
	if len(matched) > limit {
		page.Links = matched[:limit]
		last := page.Links[limit-1]
		page.Next = &storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		page.HasMore = true
	}
	if page.Links == nil {
		page.Links = []storage.ShortLink{}
	}
	return page, nil
}

func matches(l *storage.ShortLink, f storage.SearchFilter) bool {
	if f.Query != "" && !strings.Contains(l.Code, f.Query) &&
		!strings.Contains(strings.ToLower(l.TargetURL), strings.ToLower(f.Query)) {
		return false
	}
	if f.CreatedBy != nil {
		if *f.CreatedBy == storage.NullCreatedBy {
			if l.CreatedBy != nil {
				return false
			}
		} else if l.CreatedBy == nil || *l.CreatedBy != *f.CreatedBy {
			return false
		}
	}
	if f.CreatedFrom != nil && l.CreatedAt < *f.CreatedFrom {
		return false
	}
	if f.CreatedTo != nil && l.CreatedAt > *f.CreatedTo {
		return false
	}
	if f.Active != nil && l.Active != *f.Active {
		return false
	}
	return true
}

func after(l *storage.ShortLink, c *storage.Cursor) bool {
	if c == nil {
		return true
	}
	return l.CreatedAt < c.CreatedAt || (l.CreatedAt == c.CreatedAt && l.ID < c.ID)
}

func (m *MockStore) Ping(_ context.Context) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.PingErr
}

func (m *MockStore) Close() {}

func (m *MockStore) RunMigrations(_ context.Context) error { return nil }

// -------------------------------------------------------------------------
// ANALYTICS
// -------------------------------------------------------------------------

func (m *MockStore) UpsertAnalytics(_ context.Context, rows []storage.AnalyticsRow) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(rows) == 0 {
		return nil
	}
	m.UpsertAnalyticsCalls = append(m.UpsertAnalyticsCalls, slices.Clone(rows))
	if m.UpsertAnalyticsErr != nil {
		return m.UpsertAnalyticsErr
	}
	for _, r := range rows {
		m.analytics[keyOf(r)] += r.VisitCount
	}
	return nil
}

func keyOf(r storage.AnalyticsRow) analyticsKey {
	return analyticsKey{
		code:      r.Code,
		bucket:    r.TimeBucket,
		country:   r.CountryCode,
		region:    r.Region,
		city:      r.City,
		asn:       r.ASN,
		ipVersion: r.IPVersion,
	}
}

// AnalyticsRows returns every stored aggregate row for code.
func (m *MockStore) AnalyticsRows(code string) []storage.AnalyticsRow {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []storage.AnalyticsRow
	for k, v := range m.analytics {
		if k.code != code {
			continue
		}
		out = append(out, storage.AnalyticsRow{
			Code:        k.code,
			TimeBucket:  k.bucket,
			CountryCode: k.country,
			Region:      k.region,
			City:        k.city,
			ASN:         k.asn,
			IPVersion:   k.ipVersion,
			VisitCount:  v,
		})
	}
	slices.SortFunc(out, func(a, b storage.AnalyticsRow) int {
		if c := cmp.Compare(b.TimeBucket, a.TimeBucket); c != 0 {
			return c
		}
		return cmp.Compare(b.VisitCount, a.VisitCount)
	})
	return out
}

func (m *MockStore) QueryAnalytics(_ context.Context, code string, from, to *int64, limit int) ([]storage.AnalyticsRow, error) {
	m.Mu.Lock()
	err := m.QueryAnalyticsErr
	m.Mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := []storage.AnalyticsRow{}
	for _, r := range m.AnalyticsRows(code) {
		if (from != nil && r.TimeBucket < *from) || (to != nil && r.TimeBucket > *to) {
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) AggregateAnalytics(ctx context.Context, code, groupBy string, from, to *int64, limit int) ([]storage.AnalyticsBucket, error) {
	if !slices.Contains(storage.AnalyticsGroupings, groupBy) {
		return nil, fmt.Errorf("%w: unsupported group_by %q", storage.ErrValidation, groupBy)
	}
	rows, err := m.QueryAnalytics(ctx, code, from, to, 0)
	if err != nil {
		return nil, err
	}

	sums := make(map[string]uint64)
	for _, r := range rows {
		sums[dimension(r, groupBy)] += r.VisitCount
	}
	out := make([]storage.AnalyticsBucket, 0, len(sums))
	for d, v := range sums {
		out = append(out, storage.AnalyticsBucket{Dimension: d, VisitCount: v})
	}
	slices.SortFunc(out, func(a, b storage.AnalyticsBucket) int {
		if c := cmp.Compare(b.VisitCount, a.VisitCount); c != 0 {
			return c
		}
		return cmp.Compare(a.Dimension, b.Dimension)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// dimension mirrors the SQL group expressions of the real backends.
func dimension(r storage.AnalyticsRow, groupBy string) string {
	orUnknown := func(s string) string {
		if s == "" {
			return "Unknown"
		}
		return s
	}
	switch groupBy {
	case "country":
		return orUnknown(r.CountryCode)
	case "region":
		if r.Region == storage.DroppedDimension {
			return r.Region
		}
		return orUnknown(r.Region) + ", " + orUnknown(r.CountryCode)
	case "city":
		if r.City == storage.DroppedDimension {
			return r.City
		}
		return orUnknown(r.City) + ", " + orUnknown(r.Region) + ", " + orUnknown(r.CountryCode)
	case "asn":
		if r.ASN == 0 {
			return "Unknown"
		}
		return strconv.FormatUint(uint64(r.ASN), 10)
	case "day":
		return strconv.FormatInt(r.TimeBucket/86400*86400, 10)
	default:
		return strconv.FormatInt(r.TimeBucket, 10)
	}
}

func (m *MockStore) PruneAnalytics(_ context.Context, _ int, _ []string) (int64, int64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.PruneCalls++
	return 0, 0, nil
}
