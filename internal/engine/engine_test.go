// -------------------------------------------------------------------------------
// Engine Tests
//
// Author: Alex Freidah
//
// End-to-end behavior of the facade over the in-memory store: click counting
// under concurrency, deactivate/reactivate visibility, code generation,
// cursor pagination, and flush failure retention.
// -------------------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/testutil"
)

func testEngineConfig() Config {
	return Config{
		Cache: config.CacheConfig{
			MaxEntries:  1000,
			TTL:         time.Minute,
			NegativeTTL: time.Second,
			Shards:      4,
		},
		Counter: config.CounterConfig{
			BufferSize:        1024,
			FastFlushInterval: 10 * time.Millisecond,
			FlushInterval:     time.Hour,
			FlushTimeout:      time.Second,
			SendTimeout:       time.Second,
			ShutdownRetries:   2,
		},
		BackendTimeout:     time.Second,
		ShortCodeMaxLength: 50,
	}
}

func newTestEngine(t *testing.T, store storage.Store) *Engine {
	t.Helper()
	cursors, err := storage.NewCursorCodec("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	e := New(testEngineConfig(), store, cursors, nil)
	e.Coordinator().SetRetryBackoff(time.Millisecond)
	e.Start()
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// -------------------------------------------------------------------------
// CLICK COUNTING
// -------------------------------------------------------------------------

func TestEngine_ConcurrentClicksAreExact(t *testing.T) {
	store := testutil.NewMockStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	if _, err := e.Create(ctx, CreateRequest{URL: "https://example.com", CustomCode: "abc"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var rejected sync.Map
	for i := range 1000 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Resolve(ctx, "abc")
			if err != nil || d.TargetURL != "https://example.com" {
				t.Errorf("Resolve: %+v, %v", d, err)
				return
			}
			if err := e.RecordClick("abc"); err != nil {
				rejected.Store(i, err)
			}
		}()
	}
	wg.Wait()
	rejected.Range(func(k, v any) bool {
		t.Errorf("click %v rejected: %v", k, v)
		return true
	})

	e.Counter().SyncView()
	if _, err := e.Counter().Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	n, err := e.CurrentClickCount(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1000 {
		t.Errorf("CurrentClickCount = %d, want 1000", n)
	}
	if got := store.Clicks("abc"); got != 1000 {
		t.Errorf("persisted clicks = %d, want 1000", got)
	}
}

func TestEngine_GetCombinesPersistedAndBuffered(t *testing.T) {
	store := testutil.NewMockStore()
	store.Seed("abc", "https://example.com", true, 5)
	e := newTestEngine(t, store)
	ctx := context.Background()

	for range 3 {
		if err := e.RecordClick("abc"); err != nil {
			t.Fatal(err)
		}
	}
	e.Counter().SyncView()

	link, err := e.Get(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if link.Clicks != 8 {
		t.Errorf("Clicks = %d, want 8", link.Clicks)
	}

	if _, err := e.Counter().Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := e.CurrentClickCount(ctx, "abc"); n != 8 {
		t.Errorf("count after flush = %d, want 8", n)
	}
}

func TestEngine_FlushFailureKeepsCounts(t *testing.T) {
	store := testutil.NewMockStore()
	store.Seed("abc", "https://example.com", true, 0)
	e := newTestEngine(t, store)
	ctx := context.Background()

	store.SetErr(&store.ApplyIncrementsErr, fmt.Errorf("down: %w", storage.ErrStorageUnavailable))
	_ = e.RecordClick("abc")
	_ = e.RecordClick("abc")
	e.Counter().SyncView()

	if _, err := e.Counter().Flush(ctx); !errors.Is(err, storage.ErrStorageUnavailable) {
		t.Fatalf("Flush err = %v", err)
	}
	if n, _ := e.CurrentClickCount(ctx, "abc"); n != 2 {
		t.Errorf("count during outage = %d, want 2", n)
	}

	store.SetErr(&store.ApplyIncrementsErr, nil)
	if _, err := e.Counter().Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := store.Clicks("abc"); got != 2 {
		t.Errorf("persisted = %d, want 2", got)
	}
	if n, _ := e.CurrentClickCount(ctx, "abc"); n != 2 {
		t.Errorf("count after recovery = %d, want 2", n)
	}
}

// commitThenHoldStore commits increments, then holds the flush open until
// released, so reads land after the commit but before the view subtract.
type commitThenHoldStore struct {
	*testutil.MockStore
	once      sync.Once
	committed chan struct{}
	release   chan struct{}
}

func (s *commitThenHoldStore) ApplyIncrements(ctx context.Context, batch map[string]uint64) error {
	if err := s.MockStore.ApplyIncrements(ctx, batch); err != nil {
		return err
	}
	s.once.Do(func() {
		close(s.committed)
		<-s.release
	})
	return nil
}

func TestEngine_ClickCountStableAcrossFlushCommit(t *testing.T) {
	store := &commitThenHoldStore{
		MockStore: testutil.NewMockStore(),
		committed: make(chan struct{}),
		release:   make(chan struct{}),
	}
	store.Seed("abc", "https://example.com", true, 0)
	e := newTestEngine(t, store)
	ctx := context.Background()

	for range 5 {
		if err := e.RecordClick("abc"); err != nil {
			t.Fatal(err)
		}
	}
	e.Counter().SyncView()

	before, err := e.CurrentClickCount(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}

	flushed := make(chan error, 1)
	go func() {
		_, err := e.Counter().Flush(ctx)
		flushed <- err
	}()
	<-store.committed

	// The batch is now in the store and still in the view.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	n, err := e.CurrentClickCount(shortCtx, "abc")
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("read inside the flush window = %d, %v; want it to wait", n, err)
	}

	during := make(chan uint64, 1)
	go func() {
		n, err := e.CurrentClickCount(ctx, "abc")
		if err != nil {
			t.Error(err)
		}
		during <- n
	}()

	close(store.release)
	if err := <-flushed; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := <-during

	after, err := e.CurrentClickCount(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if before != 5 || got != 5 || after != 5 {
		t.Errorf("counts before=%d during=%d after=%d, want 5 each", before, got, after)
	}
	if store.Clicks("abc") != 5 {
		t.Errorf("persisted = %d, want 5", store.Clicks("abc"))
	}
}

func TestEngine_ListCountsStableAcrossFlushCommit(t *testing.T) {
	store := &commitThenHoldStore{
		MockStore: testutil.NewMockStore(),
		committed: make(chan struct{}),
		release:   make(chan struct{}),
	}
	store.Seed("abc", "https://example.com", true, 2)
	e := newTestEngine(t, store)
	ctx := context.Background()

	for range 3 {
		_ = e.RecordClick("abc")
	}
	e.Counter().SyncView()

	flushed := make(chan error, 1)
	go func() {
		_, err := e.Counter().Flush(ctx)
		flushed <- err
	}()
	<-store.committed

	listed := make(chan *ListResult, 1)
	go func() {
		res, err := e.List(ctx, "", 10)
		if err != nil {
			t.Error(err)
		}
		listed <- res
	}()

	close(store.release)
	if err := <-flushed; err != nil {
		t.Fatal(err)
	}
	res := <-listed
	if res == nil || len(res.Links) != 1 {
		t.Fatalf("List = %+v", res)
	}
	if res.Links[0].Clicks != 5 {
		t.Errorf("listed clicks = %d, want 5", res.Links[0].Clicks)
	}
}

func TestEngine_InconsistentCodeIsQuarantined(t *testing.T) {
	store := &poisonStore{MockStore: testutil.NewMockStore(), poison: "bad"}
	store.Seed("good", "https://example.com/good", true, 0)
	store.Seed("bad", "https://example.com/bad", true, 0)
	e := newTestEngine(t, store)
	ctx := context.Background()

	_ = e.RecordClick("good")
	_ = e.RecordClick("bad")
	e.Counter().SyncView()

	n, err := e.Counter().Flush(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Flush = %d, %v; want the healthy code flushed", n, err)
	}
	if store.Clicks("good") != 1 {
		t.Errorf("good persisted = %d, want 1", store.Clicks("good"))
	}
	if e.Counter().Quarantined() != 1 {
		t.Errorf("quarantined = %d, want 1", e.Counter().Quarantined())
	}

	// Later flushes skip the quarantined code entirely.
	_ = e.RecordClick("good")
	e.Counter().SyncView()
	store.Mu.Lock()
	store.ApplyIncrementsCalls = nil
	store.Mu.Unlock()
	if _, err := e.Counter().Flush(ctx); err != nil {
		t.Fatal(err)
	}
	store.Mu.Lock()
	calls := len(store.ApplyIncrementsCalls)
	store.Mu.Unlock()
	if calls != 1 || store.Clicks("good") != 2 {
		t.Errorf("calls = %d, good = %d; want one batch without the quarantined code", calls, store.Clicks("good"))
	}
	if got, _ := e.CurrentClickCount(ctx, "bad"); got != 1 {
		t.Errorf("bad count = %d, want the buffered click still visible", got)
	}

	if err := e.Shutdown(ctx); !errors.Is(err, errQuarantined) {
		t.Errorf("Shutdown = %v, want the quarantined residual reported", err)
	}
}

// poisonStore rejects any batch containing the poison code as inconsistent.
type poisonStore struct {
	*testutil.MockStore
	poison string
}

func (s *poisonStore) ApplyIncrements(ctx context.Context, batch map[string]uint64) error {
	if _, ok := batch[s.poison]; ok {
		return fmt.Errorf("trigger rejected %q: %w", s.poison, storage.ErrInconsistent)
	}
	return s.MockStore.ApplyIncrements(ctx, batch)
}

func TestEngine_RecordAfterShutdownRejected(t *testing.T) {
	e := newTestEngine(t, testutil.NewMockStore())
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.RecordClick("abc"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
}

func TestEngine_RecordVisitWithoutAnalytics(t *testing.T) {
	e := newTestEngine(t, testutil.NewMockStore())
	if err := e.RecordVisit("abc", netip.MustParseAddr("192.0.2.1")); err != nil {
		t.Errorf("RecordVisit without analytics = %v", err)
	}
}

// -------------------------------------------------------------------------
// STATE CHANGES
// -------------------------------------------------------------------------

func TestEngine_DeactivateReactivate(t *testing.T) {
	store := testutil.NewMockStore()
	e := newTestEngine(t, store)
	ctx := context.Background()

	if _, err := e.Create(ctx, CreateRequest{URL: "https://example.com/x", CustomCode: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resolve(ctx, "x"); err != nil {
		t.Fatal(err)
	}

	if err := e.Deactivate(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	d, err := e.Resolve(ctx, "x")
	if !errors.Is(err, ErrGone) {
		t.Fatalf("Resolve after deactivate: %+v, %v (want ErrGone)", d, err)
	}

	if err := e.Reactivate(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	d, err = e.Resolve(ctx, "x")
	if err != nil || d.TargetURL != "https://example.com/x" || !d.Active {
		t.Errorf("Resolve after reactivate: %+v, %v", d, err)
	}
}

func TestEngine_SetActiveUnknown(t *testing.T) {
	e := newTestEngine(t, testutil.NewMockStore())
	if err := e.Deactivate(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEngine_ResolveUnknown(t *testing.T) {
	e := newTestEngine(t, testutil.NewMockStore())
	if _, err := e.Resolve(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEngine_CreateClearsNegativeEntry(t *testing.T) {
	e := newTestEngine(t, testutil.NewMockStore())
	ctx := context.Background()

	if _, err := e.Resolve(ctx, "fresh"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.Create(ctx, CreateRequest{URL: "https://example.com", CustomCode: "fresh"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Resolve(ctx, "fresh"); err != nil {
		t.Errorf("Resolve after create = %v", err)
	}
}

// -------------------------------------------------------------------------
// CREATE
// -------------------------------------------------------------------------

func TestEngine_CreateValidation(t *testing.T) {
	e := newTestEngine(t, testutil.NewMockStore())
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"empty url", CreateRequest{}},
		{"ftp url", CreateRequest{URL: "ftp://example.com"}},
		{"relative url", CreateRequest{URL: "/path"}},
		{"bad code", CreateRequest{URL: "https://example.com", CustomCode: "has space"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Create(ctx, tt.req); !errors.Is(err, storage.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestEngine_CreateCustomConflict(t *testing.T) {
	store := testutil.NewMockStore()
	store.Seed("taken", "https://example.com", true, 0)
	e := newTestEngine(t, store)

	_, err := e.Create(context.Background(), CreateRequest{URL: "https://example.com/2", CustomCode: "taken"})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestEngine_CreateGeneratesCode(t *testing.T) {
	creator := "alice"
	e := newTestEngine(t, testutil.NewMockStore())

	link, err := e.Create(context.Background(), CreateRequest{URL: "https://example.com", CreatedBy: &creator})
	if err != nil {
		t.Fatal(err)
	}
	if len(link.Code) != minGeneratedLength {
		t.Errorf("code %q length = %d, want %d", link.Code, len(link.Code), minGeneratedLength)
	}
	if err := storage.ValidateCode(link.Code, 50); err != nil {
		t.Errorf("generated code invalid: %v", err)
	}
	if link.CreatedBy == nil || *link.CreatedBy != "alice" {
		t.Errorf("CreatedBy = %v", link.CreatedBy)
	}
}

// conflictingStore reports a conflict for the first n creates.
type conflictingStore struct {
	*testutil.MockStore
	remaining int
}

func (s *conflictingStore) Create(ctx context.Context, code, targetURL string, createdBy *string) (*storage.ShortLink, error) {
	s.Mu.Lock()
	if s.remaining > 0 {
		s.remaining--
		s.CreateCalls = append(s.CreateCalls, code)
		s.Mu.Unlock()
		return nil, storage.ErrConflict
	}
	s.Mu.Unlock()
	return s.MockStore.Create(ctx, code, targetURL, createdBy)
}

func TestEngine_CreateEscalatesLengthAfterConflicts(t *testing.T) {
	store := &conflictingStore{MockStore: testutil.NewMockStore(), remaining: conflictsBeforeEscalate}
	e := newTestEngine(t, store)

	link, err := e.Create(context.Background(), CreateRequest{URL: "https://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(link.Code) != minGeneratedLength+1 {
		t.Errorf("code %q, want length %d after %d conflicts", link.Code, minGeneratedLength+1, conflictsBeforeEscalate)
	}
	if len(store.CreateCalls) != conflictsBeforeEscalate+1 {
		t.Errorf("create attempts = %d", len(store.CreateCalls))
	}
}

func TestEngine_CreateGivesUpAtMaxLength(t *testing.T) {
	attempts := (maxGeneratedLength - minGeneratedLength + 1) * conflictsBeforeEscalate
	store := &conflictingStore{MockStore: testutil.NewMockStore(), remaining: attempts + 1}
	e := newTestEngine(t, store)

	if _, err := e.Create(context.Background(), CreateRequest{URL: "https://example.com"}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	if len(store.CreateCalls) != attempts {
		t.Errorf("create attempts = %d, want %d", len(store.CreateCalls), attempts)
	}
}

// -------------------------------------------------------------------------
// LIST / SEARCH
// -------------------------------------------------------------------------

func TestEngine_ListPaginates(t *testing.T) {
	store := testutil.NewMockStore()
	for i := range 5 {
		store.Seed(fmt.Sprintf("c%d", i), "https://example.com", true, 0)
	}
	e := newTestEngine(t, store)
	ctx := context.Background()

	seen := map[string]bool{}
	token := ""
	pages := 0
	for {
		res, err := e.List(ctx, token, 2)
		if err != nil {
			t.Fatal(err)
		}
		pages++
		for _, l := range res.Links {
			if seen[l.Code] {
				t.Errorf("duplicate %s", l.Code)
			}
			seen[l.Code] = true
		}
		if !res.HasMore {
			if res.NextCursor != "" {
				t.Error("last page must not carry a cursor")
			}
			break
		}
		token = res.NextCursor
	}
	if len(seen) != 5 || pages != 3 {
		t.Errorf("saw %d links over %d pages", len(seen), pages)
	}
}

func TestEngine_ListRejectsTamperedCursor(t *testing.T) {
	e := newTestEngine(t, testutil.NewMockStore())
	if _, err := e.List(context.Background(), "bogus.token", 10); !errors.Is(err, storage.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestEngine_SearchAugmentsClicks(t *testing.T) {
	store := testutil.NewMockStore()
	store.Seed("docs", "https://example.com/docs", true, 1)
	store.Seed("blog", "https://example.com/blog", true, 0)
	e := newTestEngine(t, store)

	_ = e.RecordClick("docs")
	e.Counter().SyncView()

	res, err := e.Search(context.Background(), storage.SearchFilter{Query: "docs"}, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Links) != 1 || res.Links[0].Clicks != 2 {
		t.Errorf("result = %+v", res.Links)
	}
}

// -------------------------------------------------------------------------
// ANALYTICS
// -------------------------------------------------------------------------

func TestEngine_AnalyticsUnknownCode(t *testing.T) {
	e := newTestEngine(t, testutil.NewMockStore())
	if _, err := e.Analytics(context.Background(), "missing", nil, nil, 10); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEngine_AnalyticsAggregateForDeactivatedCode(t *testing.T) {
	store := testutil.NewMockStore()
	store.Seed("old", "https://example.com", false, 0)
	_ = store.UpsertAnalytics(context.Background(), []storage.AnalyticsRow{
		{Code: "old", TimeBucket: 3600, CountryCode: "US", VisitCount: 4},
		{Code: "old", TimeBucket: 3600, VisitCount: 1},
	})
	e := newTestEngine(t, store)

	buckets, err := e.AnalyticsAggregate(context.Background(), "old", "country", nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 2 || buckets[0].Dimension != "US" || buckets[1].Dimension != "Unknown" {
		t.Errorf("buckets = %+v", buckets)
	}
}
