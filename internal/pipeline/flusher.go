// -------------------------------------------------------------------------------
// Flusher - Durability Flush from Shared Buffer to Storage
//
// Author: Alex Freidah
//
// Periodically snapshots a Buffer, persists the batch, and only after a
// successful persist subtracts exactly the persisted amounts. A failed or
// timed-out persist leaves every delta in the buffer for the next attempt;
// deltas merged in while a persist is in flight are never lost or counted
// twice.
//
// Each durable flush runs inside a sequence window (odd while a persist may
// have committed but the buffer still holds the batch). Readers that combine
// stored totals with the buffer go through Consistent so they never observe
// the batch in both places, or in neither.
// -------------------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/afreidah/shortlinkd/internal/audit"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// PersistFunc durably applies a batch of deltas. It must be all-or-nothing.
type PersistFunc[K comparable] func(ctx context.Context, batch map[K]uint64) error

// Flusher moves buffered deltas into durable storage.
type Flusher[K comparable] struct {
	name    string
	buf     *Buffer[K]
	persist PersistFunc[K]
	timeout time.Duration

	// poisoned reports errors that will fail on every retry. A batch failing
	// with one is split so the offending keys can be quarantined.
	poisoned   func(error) bool
	quarantine map[K]struct{} // guarded by mu

	// mu serializes the periodic flush with shutdown flushes so a snapshot is
	// never persisted twice.
	mu sync.Mutex

	// seq is odd while a persist window is open. settled is closed when the
	// open window ends.
	seq     atomic.Uint64
	seqMu   sync.Mutex
	settled chan struct{}
}

// NewFlusher creates a flusher for buf. Each persist call is bounded by
// timeout.
func NewFlusher[K comparable](name string, buf *Buffer[K], timeout time.Duration, persist PersistFunc[K]) *Flusher[K] {
	return &Flusher[K]{
		name:       name,
		buf:        buf,
		persist:    persist,
		timeout:    timeout,
		quarantine: make(map[K]struct{}),
	}
}

// SetPoisonCheck installs the classifier for errors no retry can fix. Must be
// called before the first Flush.
func (f *Flusher[K]) SetPoisonCheck(fn func(error) bool) {
	f.poisoned = fn
}

// Quarantined returns the number of keys excluded from durable flushes.
func (f *Flusher[K]) Quarantined() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.quarantine)
}

// Flush persists the current snapshot. Returns the number of keys flushed.
// An empty buffer is a no-op that never calls persist.
func (f *Flusher[K]) Flush(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch := f.buf.Snapshot()
	for k := range f.quarantine {
		delete(batch, k)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	ctx = audit.WithRequestID(ctx, audit.NewID())
	ctx, span := telemetry.StartSpan(ctx, "Flush "+f.name, telemetry.FlushAttributes(f.name, len(batch))...)
	defer span.End()

	f.openWindow()
	defer f.closeWindow()

	start := time.Now()
	var flushed int
	err := f.persist(ctx, batch)
	switch {
	case err == nil:
		f.buf.Subtract(batch)
		flushed = len(batch)
	case f.poisoned != nil && f.poisoned(err):
		flushed, err = f.isolate(ctx, batch)
	}
	telemetry.FlushDuration.WithLabelValues(f.name, "durable").Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.FlushTotal.WithLabelValues(f.name, "durable", "error").Inc()
		return flushed, fmt.Errorf("%s flush of %d keys failed: %w", f.name, len(batch), err)
	}

	telemetry.FlushTotal.WithLabelValues(f.name, "durable", "success").Inc()
	telemetry.FlushBatchSize.WithLabelValues(f.name).Observe(float64(flushed))
	telemetry.BufferedKeys.WithLabelValues(f.name).Set(float64(f.buf.Len()))

	slog.Debug("Flushed buffered deltas",
		"pipeline", f.name,
		"keys", flushed,
		"request_id", audit.RequestID(ctx),
		"duration", time.Since(start).Round(time.Millisecond).String())
	return flushed, nil
}

// isolate retries a poisoned batch one key at a time. Keys that fail with a
// poison error again are quarantined; a transient failure stops the pass and
// leaves the rest of the batch buffered.
func (f *Flusher[K]) isolate(ctx context.Context, batch map[K]uint64) (int, error) {
	slog.Warn("Batch rejected as inconsistent, retrying per key",
		"pipeline", f.name,
		"keys", len(batch),
		"request_id", audit.RequestID(ctx))

	flushed := 0
	for k, v := range batch {
		single := map[K]uint64{k: v}
		err := f.persist(ctx, single)
		switch {
		case err == nil:
			f.buf.Subtract(single)
			flushed++
		case f.poisoned(err):
			f.quarantine[k] = struct{}{}
			telemetry.FlushQuarantinedTotal.WithLabelValues(f.name).Inc()
			audit.Log(ctx, audit.EventFlushQuarantined,
				slog.String("pipeline", f.name),
				slog.String("key", fmt.Sprint(k)),
				slog.Uint64("delta", v),
				slog.String("error", err.Error()))
		default:
			return flushed, err
		}
	}
	return flushed, nil
}

// -------------------------------------------------------------------------
// CONSISTENT READS
// -------------------------------------------------------------------------

func (f *Flusher[K]) openWindow() {
	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	f.settled = make(chan struct{})
	f.seq.Add(1)
}

func (f *Flusher[K]) closeWindow() {
	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	f.seq.Add(1)
	close(f.settled)
}

// window returns the current sequence and, while a persist is in flight, the
// channel closed when it settles.
func (f *Flusher[K]) window() (uint64, <-chan struct{}) {
	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	s := f.seq.Load()
	if s%2 == 1 {
		return s, f.settled
	}
	return s, nil
}

// Consistent runs read so that it observes either none or all of every
// durable flush. read combines durable state with the buffer and may run more
// than once; it is retried when a flush overlapped it. Waits on an in-flight
// persist are bounded by ctx.
func (f *Flusher[K]) Consistent(ctx context.Context, read func() error) error {
	for {
		s, wait := f.window()
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := read(); err != nil {
			return err
		}
		if f.seq.Load() == s {
			return nil
		}
	}
}
