// -------------------------------------------------------------------------------
// CircuitBreakerStore - Self-Healing Database Degradation Wrapper
//
// Author: Alex Freidah
//
// Wraps a Store with a three-state circuit breaker that detects database
// outages and fails fast with ErrStorageUnavailable while the circuit is open.
// The redirect path keeps serving cached links; management writes get 503 and
// durability flushes keep their deltas buffered until the circuit closes.
//
// States: closed (healthy) -> open (DB down) -> half-open (probing) -> closed.
// -------------------------------------------------------------------------------

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// ErrStorageUnavailable so callers need only check the latter.
var ErrCircuitOpen = fmt.Errorf("circuit open: %w", ErrStorageUnavailable)

// -------------------------------------------------------------------------
// STATE
// -------------------------------------------------------------------------

type circuitState int

const (
	stateClosed   circuitState = iota // healthy, all calls pass through
	stateOpen                         // DB down, fail fast
	stateHalfOpen                     // probing, one call allowed through
)

// String returns the human-readable name of the circuit state.
func (s circuitState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// CIRCUIT BREAKER STORE
// -------------------------------------------------------------------------

// CircuitBreakerStore implements Store by wrapping a real store with circuit
// breaker logic.
type CircuitBreakerStore struct {
	real          Store
	mu            sync.RWMutex
	state         circuitState
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	failThreshold int
	openTimeout   time.Duration
	probeInFlight atomic.Bool
}

// Compile-time check.
var _ Store = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore wraps a real Store with circuit breaker logic.
func NewCircuitBreakerStore(real Store, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		real:          real,
		state:         stateClosed,
		failThreshold: cfg.FailureThreshold,
		openTimeout:   cfg.OpenTimeout,
	}
}

// IsHealthy returns true when the circuit is closed.
func (cb *CircuitBreakerStore) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == stateClosed
}

// -------------------------------------------------------------------------
// STATE MACHINE
// -------------------------------------------------------------------------

// preCheck fails fast when the circuit is open. Transitions open -> half-open
// once the timeout has elapsed, allowing one probe request.
func (cb *CircuitBreakerStore) preCheck() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(cb.lastFailure) >= cb.openTimeout {
			if !cb.probeInFlight.CompareAndSwap(false, true) {
				return ErrCircuitOpen
			}
			cb.transition(stateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	}
	return nil
}

// postCheck records the result of a real store call and transitions state.
func (cb *CircuitBreakerStore) postCheck(err error) error {
	if !isDBError(err) {
		cb.onSuccess()
		return err
	}
	cb.onFailure()
	return err
}

// onSuccess resets failures and transitions half-open -> closed.
func (cb *CircuitBreakerStore) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateHalfOpen {
		cb.probeInFlight.Store(false)
		cb.transition(stateClosed)
	}
	cb.failures = 0
}

// onFailure increments the failure counter and opens the circuit once the
// threshold is reached.
func (cb *CircuitBreakerStore) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case stateHalfOpen:
		cb.probeInFlight.Store(false)
		cb.transition(stateOpen)
	case stateClosed:
		if cb.failures >= cb.failThreshold {
			cb.transition(stateOpen)
		}
	}
}

// transition changes the circuit state and emits metrics and logs. Caller
// must hold cb.mu.
func (cb *CircuitBreakerStore) transition(to circuitState) {
	from := cb.state
	cb.state = to
	telemetry.CircuitBreakerState.Set(float64(to))
	telemetry.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()

	switch {
	case to == stateOpen && from == stateClosed:
		cb.openedAt = time.Now()
		slog.Warn("Circuit breaker opened: failure threshold reached",
			"failures", cb.failures,
			"threshold", cb.failThreshold)

	case to == stateOpen && from == stateHalfOpen:
		slog.Warn("Circuit breaker reopened: probe failed", "failures", cb.failures)

	case to == stateHalfOpen:
		slog.Info("Circuit breaker half-open: probing database",
			"open_duration", time.Since(cb.openedAt).Round(time.Millisecond).String())

	case to == stateClosed:
		slog.Info("Circuit breaker closed: database recovered",
			"degraded_duration", time.Since(cb.openedAt).Round(time.Millisecond).String())
	}
}

// isDBError reports genuine backend failures. Not-found, conflict, validation
// and inconsistency errors mean the database answered and do not trip the
// breaker.
func isDBError(err error) bool {
	return err != nil && errors.Is(err, ErrStorageUnavailable)
}

// -------------------------------------------------------------------------
// FORWARDING HELPERS
// -------------------------------------------------------------------------

// cbCall wraps a store call that returns (T, error) with circuit breaker logic.
func cbCall[T any](cb *CircuitBreakerStore, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.preCheck(); err != nil {
		return zero, err
	}
	result, err := fn()
	return result, cb.postCheck(err)
}

// cbCallNoResult wraps a store call that returns only error.
func cbCallNoResult(cb *CircuitBreakerStore, fn func() error) error {
	if err := cb.preCheck(); err != nil {
		return err
	}
	return cb.postCheck(fn())
}

// -------------------------------------------------------------------------
// FORWARDING METHODS
// -------------------------------------------------------------------------

// Create delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) Create(ctx context.Context, code, targetURL string, createdBy *string) (*ShortLink, error) {
	return cbCall(cb, func() (*ShortLink, error) { return cb.real.Create(ctx, code, targetURL, createdBy) })
}

// Get delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) Get(ctx context.Context, code string) (*ShortLink, error) {
	return cbCall(cb, func() (*ShortLink, error) { return cb.real.Get(ctx, code) })
}

// SetActive delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) SetActive(ctx context.Context, code string, active bool) error {
	return cbCallNoResult(cb, func() error { return cb.real.SetActive(ctx, code, active) })
}

// ApplyIncrements delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) ApplyIncrements(ctx context.Context, batch map[string]uint64) error {
	return cbCallNoResult(cb, func() error { return cb.real.ApplyIncrements(ctx, batch) })
}

// List delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) List(ctx context.Context, cursor *Cursor, limit int) (*Page, error) {
	return cbCall(cb, func() (*Page, error) { return cb.real.List(ctx, cursor, limit) })
}

// Search delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) Search(ctx context.Context, filter SearchFilter, cursor *Cursor, limit int) (*Page, error) {
	return cbCall(cb, func() (*Page, error) { return cb.real.Search(ctx, filter, cursor, limit) })
}

// UpsertAnalytics delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) UpsertAnalytics(ctx context.Context, rows []AnalyticsRow) error {
	return cbCallNoResult(cb, func() error { return cb.real.UpsertAnalytics(ctx, rows) })
}

// QueryAnalytics delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) QueryAnalytics(ctx context.Context, code string, from, to *int64, limit int) ([]AnalyticsRow, error) {
	return cbCall(cb, func() ([]AnalyticsRow, error) { return cb.real.QueryAnalytics(ctx, code, from, to, limit) })
}

// AggregateAnalytics delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) AggregateAnalytics(ctx context.Context, code, groupBy string, from, to *int64, limit int) ([]AnalyticsBucket, error) {
	return cbCall(cb, func() ([]AnalyticsBucket, error) {
		return cb.real.AggregateAnalytics(ctx, code, groupBy, from, to, limit)
	})
}

// PruneAnalytics delegates to the real store with circuit breaker protection.
func (cb *CircuitBreakerStore) PruneAnalytics(ctx context.Context, retentionDays int, dropDimensions []string) (int64, int64, error) {
	type pruned struct{ deleted, inserted int64 }
	res, err := cbCall(cb, func() (pruned, error) {
		d, i, err := cb.real.PruneAnalytics(ctx, retentionDays, dropDimensions)
		return pruned{d, i}, err
	})
	return res.deleted, res.inserted, err
}

// Ping bypasses the open-circuit short-circuit so health checks report the
// real backend state, but still feeds the breaker.
func (cb *CircuitBreakerStore) Ping(ctx context.Context) error {
	return cb.postCheck(cb.real.Ping(ctx))
}

// RunMigrations delegates directly to the underlying store. Migrations run
// once at startup before traffic is accepted.
func (cb *CircuitBreakerStore) RunMigrations(ctx context.Context) error {
	return cb.real.RunMigrations(ctx)
}

// Close delegates directly to the underlying store.
func (cb *CircuitBreakerStore) Close() {
	cb.real.Close()
}
